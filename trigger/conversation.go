package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// conversationCap bounds the per-thread ring buffer.
	conversationCap = 20
	// contextMessages bounds how many entries format into LLM context.
	contextMessages = 10
	// contextEntryMax truncates each formatted entry.
	contextEntryMax = 500
)

// ConversationEntry is one remembered exchange element.
type ConversationEntry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// ConversationStore keeps per channel[:thread] ring buffers of recent
// exchanges.
type ConversationStore struct {
	mu      sync.Mutex
	threads map[string][]ConversationEntry
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{threads: make(map[string][]ConversationEntry)}
}

// Add appends one entry, evicting the oldest past the cap.
func (s *ConversationStore) Add(key, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.threads[key], ConversationEntry{
		Role:    role,
		Content: content,
		TS:      time.Now(),
	})
	if len(entries) > conversationCap {
		entries = entries[len(entries)-conversationCap:]
	}
	s.threads[key] = entries
}

// Len reports the number of remembered entries for a key.
func (s *ConversationStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads[key])
}

// Context formats the thread history as a labelled transcript for LLM
// input, excluding the most recent entry (the just-added current message).
func (s *ConversationStore) Context(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.threads[key]
	if len(entries) <= 1 {
		return ""
	}
	entries = entries[:len(entries)-1]
	if len(entries) > contextMessages {
		entries = entries[len(entries)-contextMessages:]
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, e := range entries {
		content := e.Content
		if len(content) > contextEntryMax {
			cut := contextEntryMax
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", e.Role, content)
	}
	return b.String()
}

// Clear drops a thread's history.
func (s *ConversationStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, key)
}
