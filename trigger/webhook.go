package trigger

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aofdev/aof/internal/httpclient"
)

// WebhookPlatform accepts generic JSON webhooks. Replies go to an optional
// callback URL; without one they are logged.
type WebhookPlatform struct {
	secret      string
	callbackURL string
	client      *httpclient.Client
	logger      *slog.Logger
}

// NewWebhookPlatform builds a generic adapter from trigger credentials
// (optional secret, optional callback_url).
func NewWebhookPlatform(credentials map[string]string) *WebhookPlatform {
	return &WebhookPlatform{
		secret:      credentials["secret"],
		callbackURL: credentials["callback_url"],
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
		logger: slog.Default().With("platform", "webhook"),
	}
}

func (p *WebhookPlatform) Name() string { return "webhook" }

// ParseRequest checks the shared-secret header and normalises the payload:
// {"text": "...", "channel": "...", "user": "...", "thread": "..."}.
func (p *WebhookPlatform) ParseRequest(w http.ResponseWriter, r *http.Request) (*Message, error) {
	if p.secret != "" {
		provided := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(p.secret)) != 1 {
			return nil, NewTriggerError("webhook", "ParseRequest", "invalid webhook token", nil)
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, NewTriggerError("webhook", "ParseRequest", "failed to read body", err)
	}

	var payload struct {
		Text    string `json:"text"`
		Channel string `json:"channel"`
		User    string `json:"user"`
		Thread  string `json:"thread"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewTriggerError("webhook", "ParseRequest", "invalid payload", err)
	}
	if payload.Text == "" {
		return nil, NewTriggerError("webhook", "ParseRequest", "text is required", nil)
	}
	if payload.Channel == "" {
		payload.Channel = "webhook"
	}
	if payload.User == "" {
		payload.User = "webhook"
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	return &Message{
		Platform:  "webhook",
		ID:        ts,
		Channel:   payload.Channel,
		Thread:    payload.Thread,
		User:      payload.User,
		Text:      payload.Text,
		EventType: "message",
		Timestamp: ts,
	}, nil
}

// PostMessage delivers the reply to the callback URL when configured.
func (p *WebhookPlatform) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	if p.callbackURL == "" {
		p.logger.Info("reply", "channel", channel, "text", text)
		return ts, nil
	}

	body, err := json.Marshal(map[string]string{
		"channel": channel,
		"thread":  thread,
		"text":    text,
		"ts":      ts,
	})
	if err != nil {
		return "", NewTriggerError("webhook", "PostMessage", "failed to marshal reply", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.callbackURL, bytes.NewReader(body))
	if err != nil {
		return "", NewTriggerError("webhook", "PostMessage", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewTriggerError("webhook", "PostMessage", "callback request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", NewTriggerError("webhook", "PostMessage", "callback status "+resp.Status, nil)
	}
	return ts, nil
}

// AddReaction has no wire form for plain webhooks.
func (p *WebhookPlatform) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	return nil
}
