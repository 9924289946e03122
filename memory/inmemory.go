package memory

import (
	"context"
	"sync"

	"github.com/aofdev/aof/llms"
)

// InMemory is a bounded in-process message buffer. The oldest entry is
// evicted when the cap is reached.
type InMemory struct {
	mu       sync.RWMutex
	messages []llms.Message
	capacity int
}

func NewInMemory(capacity int) *InMemory {
	if capacity <= 0 {
		capacity = DefaultMaxMessages
	}
	return &InMemory{capacity: capacity}
}

func (m *InMemory) Append(ctx context.Context, msg llms.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	if len(m.messages) > m.capacity {
		m.messages = m.messages[len(m.messages)-m.capacity:]
	}
	return nil
}

func (m *InMemory) Recent(ctx context.Context, n int) ([]llms.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.messages) {
		n = len(m.messages)
	}
	out := make([]llms.Message, n)
	copy(out, m.messages[len(m.messages)-n:])
	return out, nil
}

func (m *InMemory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	return nil
}

func (m *InMemory) Close() error { return nil }

var _ Memory = (*InMemory)(nil)
