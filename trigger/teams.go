package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/aofdev/aof/internal/httpclient"
)

const (
	teamsJWKSURL    = "https://login.botframework.com/v1/.well-known/keys"
	teamsIssuer     = "https://api.botframework.com"
	teamsTokenURL   = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	teamsTokenScope = "https://api.botframework.com/.default"
)

// TeamsPlatform handles Microsoft Teams Bot Framework activities. Inbound
// requests carry a Connector-signed JWT validated against the Bot Framework
// JWKS.
type TeamsPlatform struct {
	appID     string
	appSecret string
	client    *httpclient.Client
	keyCache  *jwk.Cache

	mu          sync.Mutex
	serviceURL  string
	accessToken string
	tokenExpiry time.Time
}

// NewTeamsPlatform builds a Teams adapter from trigger credentials (app_id,
// app_password).
func NewTeamsPlatform(ctx context.Context, credentials map[string]string) (*TeamsPlatform, error) {
	appID := credentials["app_id"]
	secret := credentials["app_password"]
	if appID == "" || secret == "" {
		return nil, NewTriggerError("teams", "NewTeamsPlatform", "app_id and app_password are required", nil)
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(teamsJWKSURL, jwk.WithMinRefreshInterval(time.Hour)); err != nil {
		return nil, NewTriggerError("teams", "NewTeamsPlatform", "failed to register jwks source", err)
	}

	return &TeamsPlatform{
		appID:     appID,
		appSecret: secret,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
		keyCache:   cache,
		serviceURL: credentials["service_url"],
	}, nil
}

func (p *TeamsPlatform) Name() string { return "teams" }

// ParseRequest validates the Authorization JWT and normalises the activity.
func (p *TeamsPlatform) ParseRequest(w http.ResponseWriter, r *http.Request) (*Message, error) {
	if err := p.verifyToken(r); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, NewTriggerError("teams", "ParseRequest", "failed to read body", err)
	}

	var activity struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Text       string `json:"text"`
		ServiceURL string `json:"serviceUrl"`
		From       struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"from"`
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		ReplyToID       string `json:"replyToId"`
		ReactionsAdded  []struct {
			Type string `json:"type"`
		} `json:"reactionsAdded"`
	}
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, NewTriggerError("teams", "ParseRequest", "invalid activity payload", err)
	}

	if activity.ServiceURL != "" {
		p.mu.Lock()
		p.serviceURL = strings.TrimSuffix(activity.ServiceURL, "/")
		p.mu.Unlock()
	}

	switch activity.Type {
	case "message":
		return &Message{
			Platform:  "teams",
			ID:        activity.ID,
			Channel:   activity.Conversation.ID,
			User:      activity.From.ID,
			Text:      stripTeamsMention(activity.Text),
			EventType: "message",
			Timestamp: activity.ID,
		}, nil
	case "messageReaction":
		if len(activity.ReactionsAdded) == 0 {
			w.WriteHeader(http.StatusOK)
			return nil, nil
		}
		return &Message{
			Platform:  "teams",
			ID:        activity.ReplyToID,
			Channel:   activity.Conversation.ID,
			User:      activity.From.ID,
			EventType: "reaction_added",
			Timestamp: activity.ReplyToID,
			Metadata: map[string]any{
				"reaction": teamsReactionName(activity.ReactionsAdded[0].Type),
				"item_ts":  activity.ReplyToID,
			},
		}, nil
	default:
		w.WriteHeader(http.StatusOK)
		return nil, nil
	}
}

func (p *TeamsPlatform) verifyToken(r *http.Request) error {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return NewTriggerError("teams", "verifyToken", "missing bearer token", nil)
	}

	keys, err := p.keyCache.Get(r.Context(), teamsJWKSURL)
	if err != nil {
		return NewTriggerError("teams", "verifyToken", "failed to fetch signing keys", err)
	}

	_, err = jwt.Parse([]byte(raw),
		jwt.WithKeySet(keys),
		jwt.WithIssuer(teamsIssuer),
		jwt.WithAudience(p.appID),
		jwt.WithAcceptableSkew(5*time.Minute),
	)
	if err != nil {
		return NewTriggerError("teams", "verifyToken", "token validation failed", err)
	}
	return nil
}

// teamsReactionName maps Teams reaction types to the shared vocabulary.
func teamsReactionName(reaction string) string {
	switch strings.ToLower(reaction) {
	case "like":
		return "+1"
	case "heart":
		return "white_check_mark"
	case "angry", "sad":
		return "x"
	default:
		return reaction
	}
}

// stripTeamsMention removes the leading bot <at> mention Teams injects.
func stripTeamsMention(text string) string {
	for {
		start := strings.Index(text, "<at>")
		if start < 0 {
			break
		}
		end := strings.Index(text, "</at>")
		if end < 0 {
			break
		}
		text = text[:start] + text[end+len("</at>"):]
	}
	return strings.TrimSpace(text)
}

// PostMessage replies into the conversation through the Connector API.
func (p *TeamsPlatform) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	p.mu.Lock()
	serviceURL := p.serviceURL
	p.mu.Unlock()
	if serviceURL == "" {
		return "", NewTriggerError("teams", "PostMessage", "no service url known yet", nil)
	}

	token, err := p.connectorToken(ctx)
	if err != nil {
		return "", err
	}

	activity := map[string]any{"type": "message", "text": text}
	if thread != "" {
		activity["replyToId"] = thread
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return "", NewTriggerError("teams", "PostMessage", "failed to marshal activity", err)
	}

	endpoint := serviceURL + "/v3/conversations/" + url.PathEscape(channel) + "/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", NewTriggerError("teams", "PostMessage", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewTriggerError("teams", "PostMessage", "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", NewTriggerError("teams", "PostMessage", "connector api status "+resp.Status, nil)
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return "", NewTriggerError("teams", "PostMessage", "invalid response payload", err)
	}
	return result.ID, nil
}

// AddReaction is not supported by the Connector API; approval prompts on
// Teams rely on users reacting manually.
func (p *TeamsPlatform) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	return nil
}

// connectorToken fetches (and caches) the client-credentials access token.
func (p *TeamsPlatform) connectorToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		token := p.accessToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.appID},
		"client_secret": {p.appSecret},
		"scope":         {teamsTokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, teamsTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", NewTriggerError("teams", "connectorToken", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewTriggerError("teams", "connectorToken", "token request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", NewTriggerError("teams", "connectorToken", "token endpoint status "+resp.Status, nil)
	}
	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&token); err != nil {
		return "", NewTriggerError("teams", "connectorToken", "invalid token payload", err)
	}

	p.mu.Lock()
	p.accessToken = token.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn-60) * time.Second)
	p.mu.Unlock()
	return token.AccessToken, nil
}
