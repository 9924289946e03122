package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/aofdev/aof/llms"
)

// FileMemory persists messages as JSON lines. Appends are flushed per
// message; Recent reads the tail of the file.
type FileMemory struct {
	mu          sync.Mutex
	path        string
	maxMessages int
}

func NewFileMemory(path string, maxMessages int) (*FileMemory, error) {
	if path == "" {
		return nil, NewMemoryError("FileMemory", "New", "path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, NewMemoryError("FileMemory", "New", "failed to create directory", err)
	}
	return &FileMemory{path: path, maxMessages: maxMessages}, nil
}

func (m *FileMemory) Append(ctx context.Context, msg llms.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return NewMemoryError("FileMemory", "Append", "failed to open file", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(msg)
	if err != nil {
		return NewMemoryError("FileMemory", "Append", "failed to marshal message", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return NewMemoryError("FileMemory", "Append", "failed to write message", err)
	}
	return nil
}

func (m *FileMemory) Recent(ctx context.Context, n int) ([]llms.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewMemoryError("FileMemory", "Recent", "failed to open file", err)
	}
	defer func() { _ = f.Close() }()

	var messages []llms.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg llms.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			// Skip corrupted lines rather than losing the whole history.
			continue
		}
		messages = append(messages, msg)
		if m.maxMessages > 0 && len(messages) > m.maxMessages {
			messages = messages[len(messages)-m.maxMessages:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewMemoryError("FileMemory", "Recent", "failed to read file", err)
	}

	if n > 0 && n < len(messages) {
		messages = messages[len(messages)-n:]
	}
	return messages, nil
}

func (m *FileMemory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return NewMemoryError("FileMemory", "Clear", "failed to remove file", err)
	}
	return nil
}

func (m *FileMemory) Close() error { return nil }

var _ Memory = (*FileMemory)(nil)
