package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
)

func userMsg(text string) llms.Message {
	return llms.Message{Role: llms.RoleUser, Content: text}
}

func TestInMemoryRingEvictsOldest(t *testing.T) {
	m := NewInMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Append(ctx, userMsg(fmt.Sprintf("m%d", i))))
	}

	got, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m4", got[2].Content)
}

func TestInMemoryRecentTail(t *testing.T) {
	m := NewInMemory(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Append(ctx, userMsg(fmt.Sprintf("m%d", i))))
	}

	got, err := m.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m3", got[1].Content)

	// Asking for more than stored returns everything.
	got, err = m.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestInMemoryClear(t *testing.T) {
	m := NewInMemory(10)
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, userMsg("hello")))
	require.NoError(t, m.Clear(ctx))
	got, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInMemoryDefaultCapacity(t *testing.T) {
	m := NewInMemory(0)
	assert.Equal(t, DefaultMaxMessages, m.capacity)
}

func TestFileMemoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "agent.jsonl")
	m, err := NewFileMemory(path, 10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, userMsg("first")))
	require.NoError(t, m.Append(ctx, llms.Message{Role: llms.RoleAssistant, Content: "second"}))

	got, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, llms.RoleUser, got[0].Role)
	assert.Equal(t, "second", got[1].Content)
}

func TestFileMemorySkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	m, err := NewFileMemory(path, 10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, userMsg("good")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, m.Append(ctx, userMsg("also good")))

	got, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[0].Content)
	assert.Equal(t, "also good", got[1].Content)
}

func TestFileMemoryClearAndMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	m, err := NewFileMemory(path, 10)
	require.NoError(t, err)
	ctx := context.Background()

	// Recent on a never-written file is empty, not an error.
	got, err := m.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, m.Append(ctx, userMsg("hello")))
	require.NoError(t, m.Clear(ctx))
	got, err = m.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Clearing twice is fine.
	require.NoError(t, m.Clear(ctx))
}

func TestFileMemoryRequiresPath(t *testing.T) {
	_, err := NewFileMemory("", 10)
	require.Error(t, err)
}

func TestNewBackendSelection(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = New(&config.MemorySpec{Backend: config.MemoryInMemory})
	require.NoError(t, err)
	assert.IsType(t, &InMemory{}, m)

	path := filepath.Join(t.TempDir(), "mem.jsonl")
	m, err = New(&config.MemorySpec{Backend: config.MemoryFile, Path: path})
	require.NoError(t, err)
	assert.IsType(t, &FileMemory{}, m)

	_, err = New(&config.MemorySpec{Backend: "etcd"})
	require.Error(t, err)
}
