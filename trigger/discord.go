package trigger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aofdev/aof/internal/httpclient"
)

const discordAPIBase = "https://discord.com/api/v10"

// DiscordPlatform verifies Discord interaction webhooks (Ed25519) and posts
// replies through the bot REST API.
type DiscordPlatform struct {
	publicKey ed25519.PublicKey
	botToken  string
	botUserID string
	client    *httpclient.Client
}

// NewDiscordPlatform builds a Discord adapter from trigger credentials
// (public_key hex, bot_token, optional bot_user_id).
func NewDiscordPlatform(credentials map[string]string) (*DiscordPlatform, error) {
	token := credentials["bot_token"]
	if token == "" {
		return nil, NewTriggerError("discord", "NewDiscordPlatform", "bot_token is required", nil)
	}
	var key ed25519.PublicKey
	if raw := credentials["public_key"]; raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return nil, NewTriggerError("discord", "NewDiscordPlatform", "public_key must be a 32-byte hex string", err)
		}
		key = decoded
	}
	return &DiscordPlatform{
		publicKey: key,
		botToken:  token,
		botUserID: credentials["bot_user_id"],
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	}, nil
}

func (p *DiscordPlatform) Name() string { return "discord" }

// ParseRequest verifies the Ed25519 signature (when a public key is
// configured) and normalises message-create and reaction-add payloads.
func (p *DiscordPlatform) ParseRequest(w http.ResponseWriter, r *http.Request) (*Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, NewTriggerError("discord", "ParseRequest", "failed to read body", err)
	}

	if p.publicKey != nil {
		if err := p.verifySignature(r.Header, body); err != nil {
			return nil, err
		}
	}

	var payload struct {
		Type    int    `json:"type"`
		Event   string `json:"event"`
		ID      string `json:"id"`
		Content string `json:"content"`
		Author  struct {
			ID  string `json:"id"`
			Bot bool   `json:"bot"`
		} `json:"author"`
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
		UserID    string `json:"user_id"`
		Emoji     struct {
			Name string `json:"name"`
		} `json:"emoji"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewTriggerError("discord", "ParseRequest", "invalid payload", err)
	}

	// Interaction PING handshake.
	if payload.Type == 1 && payload.Event == "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":1}`))
		return nil, nil
	}

	switch payload.Event {
	case "MESSAGE_REACTION_ADD":
		return &Message{
			Platform:  "discord",
			ID:        payload.MessageID,
			Channel:   payload.ChannelID,
			User:      payload.UserID,
			EventType: "reaction_added",
			Timestamp: payload.MessageID,
			Metadata: map[string]any{
				"reaction": discordEmojiName(payload.Emoji.Name),
				"item_ts":  payload.MessageID,
				"bot":      p.botUserID != "" && payload.UserID == p.botUserID,
			},
		}, nil
	default:
		if payload.Author.Bot || payload.Content == "" {
			w.WriteHeader(http.StatusOK)
			return nil, nil
		}
		return &Message{
			Platform:  "discord",
			ID:        payload.ID,
			Channel:   payload.ChannelID,
			User:      payload.Author.ID,
			Text:      payload.Content,
			EventType: "message",
			Timestamp: payload.ID,
		}, nil
	}
}

func (p *DiscordPlatform) verifySignature(header http.Header, body []byte) error {
	signature, err := hex.DecodeString(header.Get("X-Signature-Ed25519"))
	if err != nil || len(signature) != ed25519.SignatureSize {
		return NewTriggerError("discord", "verifySignature", "invalid signature header", err)
	}
	timestamp := header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return NewTriggerError("discord", "verifySignature", "missing timestamp header", nil)
	}
	signed := append([]byte(timestamp), body...)
	if !ed25519.Verify(p.publicKey, signed, signature) {
		return NewTriggerError("discord", "verifySignature", "signature mismatch", nil)
	}
	return nil
}

// discordEmojiName maps unicode emoji to the shared reaction vocabulary.
func discordEmojiName(emoji string) string {
	switch emoji {
	case "✅":
		return "white_check_mark"
	case "👍":
		return "+1"
	case "✔️":
		return "heavy_check_mark"
	case "❌":
		return "x"
	case "👎":
		return "-1"
	case "⛔":
		return "no_entry"
	default:
		return emoji
	}
}

// PostMessage creates a channel message; thread is Discord's reply reference.
func (p *DiscordPlatform) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	payload := map[string]any{"content": text}
	if thread != "" {
		payload["message_reference"] = map[string]any{"message_id": thread}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", NewTriggerError("discord", "PostMessage", "failed to marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		discordAPIBase+"/channels/"+url.PathEscape(channel)+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", NewTriggerError("discord", "PostMessage", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+p.botToken)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", NewTriggerError("discord", "PostMessage", "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", NewTriggerError("discord", "PostMessage", "discord api status "+resp.Status, nil)
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return "", NewTriggerError("discord", "PostMessage", "invalid response payload", err)
	}
	return result.ID, nil
}

// AddReaction puts the bot's reaction on a message.
func (p *DiscordPlatform) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	endpoint := discordAPIBase + "/channels/" + url.PathEscape(channel) +
		"/messages/" + url.PathEscape(ts) +
		"/reactions/" + url.PathEscape(discordEmojiLiteral(emoji)) + "/@me"

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return NewTriggerError("discord", "AddReaction", "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bot "+p.botToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTriggerError("discord", "AddReaction", "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return NewTriggerError("discord", "AddReaction", "discord api status "+resp.Status, nil)
	}
	return nil
}

// discordEmojiLiteral maps shared reaction names back to unicode emoji.
func discordEmojiLiteral(name string) string {
	switch name {
	case "white_check_mark":
		return "✅"
	case "+1":
		return "👍"
	case "heavy_check_mark":
		return "✔️"
	case "x":
		return "❌"
	case "-1":
		return "👎"
	case "no_entry":
		return "⛔"
	default:
		return name
	}
}
