// Package trigger normalises inbound platform messages and routes them to
// flows, slash commands, or a default agent, owning the approval lifecycle
// and per-thread conversation memory.
package trigger

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Message is a normalised inbound event from any platform.
type Message struct {
	Platform  string         `json:"platform"`
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Thread    string         `json:"thread,omitempty"`
	User      string         `json:"user"`
	Text      string         `json:"text"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"ts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConversationKey derives the per-thread memory key.
func (m *Message) ConversationKey() string {
	if m.Thread != "" {
		return m.Channel + ":" + m.Thread
	}
	return m.Channel
}

// Platform is a chat-platform collaborator: it parses and verifies inbound
// webhooks and renders replies.
type Platform interface {
	// Name returns the platform identifier (slack, discord, teams, webhook).
	Name() string

	// ParseRequest verifies and normalises one inbound webhook request.
	// A nil message with a nil error means the request was handled inline
	// (e.g. a URL-verification challenge).
	ParseRequest(w http.ResponseWriter, r *http.Request) (*Message, error)

	// PostMessage sends text to a channel (optionally threaded) and returns
	// the posted message's ts.
	PostMessage(ctx context.Context, channel, thread, text string) (string, error)

	// AddReaction attaches an emoji reaction to a posted message.
	AddReaction(ctx context.Context, channel, ts, emoji string) error
}

// PendingApproval is a paused human-gated command awaiting a reaction.
type PendingApproval struct {
	Command         string    `json:"command"`
	RequestedBy     string    `json:"requested_by"`
	Channel         string    `json:"channel"`
	MessageTS       string    `json:"message_ts"`
	Agent           string    `json:"agent"`
	OriginalMessage string    `json:"original_message"`
	RequestedAt     time.Time `json:"requested_at"`
}

// TriggerError reports a trigger handling failure.
type TriggerError struct {
	Trigger   string
	Operation string
	Message   string
	Err       error
}

func (e *TriggerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[trigger:%s:%s] %s: %v", e.Trigger, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[trigger:%s:%s] %s", e.Trigger, e.Operation, e.Message)
}

func (e *TriggerError) Unwrap() error { return e.Err }

func NewTriggerError(trigger, operation, message string, err error) *TriggerError {
	return &TriggerError{Trigger: trigger, Operation: operation, Message: message, Err: err}
}
