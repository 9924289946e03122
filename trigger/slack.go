package trigger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aofdev/aof/internal/httpclient"
)

const (
	slackAPIBase = "https://slack.com/api"
	// slackMaxSkew rejects replayed requests with stale timestamps.
	slackMaxSkew = 5 * time.Minute
)

// SlackPlatform verifies Slack Events API requests and posts replies via the
// Web API.
type SlackPlatform struct {
	signingSecret string
	botToken      string
	botUserID     string
	client        *httpclient.Client
	now           func() time.Time
}

// NewSlackPlatform builds a Slack adapter from trigger credentials
// (signing_secret, bot_token, optional bot_user_id).
func NewSlackPlatform(credentials map[string]string) (*SlackPlatform, error) {
	secret := credentials["signing_secret"]
	token := credentials["bot_token"]
	if secret == "" || token == "" {
		return nil, NewTriggerError("slack", "NewSlackPlatform", "signing_secret and bot_token are required", nil)
	}
	return &SlackPlatform{
		signingSecret: secret,
		botToken:      token,
		botUserID:     credentials["bot_user_id"],
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
		now: time.Now,
	}, nil
}

func (p *SlackPlatform) Name() string { return "slack" }

// ParseRequest verifies the signature and normalises the event. URL
// verification challenges are answered inline.
func (p *SlackPlatform) ParseRequest(w http.ResponseWriter, r *http.Request) (*Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, NewTriggerError("slack", "ParseRequest", "failed to read body", err)
	}

	if err := p.verifySignature(r.Header, body); err != nil {
		return nil, err
	}

	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		TeamID    string `json:"team_id"`
		Event     struct {
			Type     string `json:"type"`
			User     string `json:"user"`
			BotID    string `json:"bot_id"`
			Text     string `json:"text"`
			Channel  string `json:"channel"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
			Reaction string `json:"reaction"`
			Item     struct {
				Channel string `json:"channel"`
				TS      string `json:"ts"`
			} `json:"item"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, NewTriggerError("slack", "ParseRequest", "invalid event payload", err)
	}

	if envelope.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(envelope.Challenge))
		return nil, nil
	}
	if envelope.Type != "event_callback" {
		w.WriteHeader(http.StatusOK)
		return nil, nil
	}

	ev := envelope.Event
	switch ev.Type {
	case "message", "app_mention":
		// Skip the bot's own messages to avoid feedback loops.
		if ev.BotID != "" || (p.botUserID != "" && ev.User == p.botUserID) {
			w.WriteHeader(http.StatusOK)
			return nil, nil
		}
		return &Message{
			Platform:  "slack",
			ID:        ev.TS,
			Channel:   ev.Channel,
			Thread:    ev.ThreadTS,
			User:      ev.User,
			Text:      ev.Text,
			EventType: "message",
			Timestamp: ev.TS,
			Metadata:  map[string]any{"workspace": envelope.TeamID},
		}, nil
	case "reaction_added":
		return &Message{
			Platform:  "slack",
			ID:        ev.Item.TS,
			Channel:   ev.Item.Channel,
			User:      ev.User,
			EventType: "reaction_added",
			Timestamp: ev.Item.TS,
			Metadata: map[string]any{
				"workspace": envelope.TeamID,
				"reaction":  ev.Reaction,
				"item_ts":   ev.Item.TS,
				"bot":       p.botUserID != "" && ev.User == p.botUserID,
			},
		}, nil
	default:
		w.WriteHeader(http.StatusOK)
		return nil, nil
	}
}

// verifySignature checks the v0 HMAC-SHA256 request signature.
func (p *SlackPlatform) verifySignature(header http.Header, body []byte) error {
	tsHeader := header.Get("X-Slack-Request-Timestamp")
	signature := header.Get("X-Slack-Signature")
	if tsHeader == "" || signature == "" {
		return NewTriggerError("slack", "verifySignature", "missing signature headers", nil)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return NewTriggerError("slack", "verifySignature", "invalid timestamp", err)
	}
	if skew := math.Abs(float64(p.now().Unix() - ts)); skew > slackMaxSkew.Seconds() {
		return NewTriggerError("slack", "verifySignature", "request timestamp too old", nil)
	}

	mac := hmac.New(sha256.New, []byte(p.signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", tsHeader, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return NewTriggerError("slack", "verifySignature", "signature mismatch", nil)
	}
	return nil
}

// PostMessage calls chat.postMessage; a non-empty thread replies in-thread.
func (p *SlackPlatform) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	payload := map[string]any{"channel": channel, "text": text}
	if thread != "" {
		payload["thread_ts"] = thread
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := p.call(ctx, "chat.postMessage", payload, &result); err != nil {
		return "", err
	}
	if !result.OK {
		return "", NewTriggerError("slack", "PostMessage", "slack api error: "+result.Error, nil)
	}
	return result.TS, nil
}

// AddReaction calls reactions.add. An already_reacted error is not a failure.
func (p *SlackPlatform) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	payload := map[string]any{"channel": channel, "timestamp": ts, "name": emoji}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := p.call(ctx, "reactions.add", payload, &result); err != nil {
		return err
	}
	if !result.OK && result.Error != "already_reacted" {
		return NewTriggerError("slack", "AddReaction", "slack api error: "+result.Error, nil)
	}
	return nil
}

func (p *SlackPlatform) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewTriggerError("slack", method, "failed to marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return NewTriggerError("slack", method, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.botToken)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTriggerError("slack", method, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewTriggerError("slack", method, "failed to read response", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewTriggerError("slack", method, "invalid response payload", err)
	}
	return nil
}
