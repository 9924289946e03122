package trigger

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestConversationRingEvictsOldest(t *testing.T) {
	s := NewConversationStore()
	for i := 0; i < conversationCap+5; i++ {
		s.Add("C1", "user", fmt.Sprintf("message %d", i))
	}
	assert.Equal(t, conversationCap, s.Len("C1"))

	// The oldest entries are gone; the newest survive.
	ctx := s.Context("C1")
	assert.NotContains(t, ctx, "message 0\n")
	assert.Contains(t, ctx, fmt.Sprintf("message %d", conversationCap+3))
}

func TestConversationContextExcludesCurrentMessage(t *testing.T) {
	s := NewConversationStore()
	s.Add("C1", "user", "first question")
	s.Add("C1", "assistant", "first answer")
	s.Add("C1", "user", "follow-up")

	ctx := s.Context("C1")
	assert.True(t, strings.HasPrefix(ctx, "Conversation so far:\n"))
	assert.Contains(t, ctx, "[user] first question")
	assert.Contains(t, ctx, "[assistant] first answer")
	assert.NotContains(t, ctx, "follow-up")
}

func TestConversationContextEmptyForSingleEntry(t *testing.T) {
	s := NewConversationStore()
	assert.Empty(t, s.Context("C1"))
	s.Add("C1", "user", "hello")
	assert.Empty(t, s.Context("C1"))
}

func TestConversationContextTruncatesLongEntries(t *testing.T) {
	s := NewConversationStore()
	s.Add("C1", "assistant", strings.Repeat("a", contextEntryMax+100))
	s.Add("C1", "user", "next")

	ctx := s.Context("C1")
	assert.Contains(t, ctx, "…")
	assert.NotContains(t, ctx, strings.Repeat("a", contextEntryMax+1))
}

func TestConversationContextTruncatesOnRuneBoundary(t *testing.T) {
	s := NewConversationStore()
	// Three-byte runes: the byte cap lands mid-rune and must back off.
	s.Add("C1", "assistant", strings.Repeat("世", contextEntryMax))
	s.Add("C1", "user", "next")

	ctx := s.Context("C1")
	assert.True(t, utf8.ValidString(ctx))
	assert.Contains(t, ctx, "…")
}

func TestConversationKeysAreIndependent(t *testing.T) {
	s := NewConversationStore()
	s.Add("C1", "user", "one")
	s.Add("C1:171.001", "user", "two")
	assert.Equal(t, 1, s.Len("C1"))
	assert.Equal(t, 1, s.Len("C1:171.001"))

	s.Clear("C1")
	assert.Zero(t, s.Len("C1"))
	assert.Equal(t, 1, s.Len("C1:171.001"))
}

func TestConversationKey(t *testing.T) {
	msg := &Message{Channel: "C1"}
	assert.Equal(t, "C1", msg.ConversationKey())
	msg.Thread = "171.001"
	assert.Equal(t, "C1:171.001", msg.ConversationKey())
}
