// Package agent implements the single-agent executor (the tool loop) and
// the process-wide runtime registry that owns executors by name.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
	"github.com/aofdev/aof/memory"
	"github.com/aofdev/aof/tools"
)

// Executor runs one configured agent to completion.
type Executor struct {
	cfg      *config.AgentConfig
	provider llms.Provider
	tools    tools.Executor
	memory   memory.Memory
	logger   *slog.Logger
}

// New assembles an executor from its parts. The memory may be nil.
func New(cfg *config.AgentConfig, provider llms.Provider, toolExec tools.Executor, mem memory.Memory) *Executor {
	return &Executor{
		cfg:      cfg,
		provider: provider,
		tools:    toolExec,
		memory:   mem,
		logger:   slog.Default().With("agent", cfg.Name),
	}
}

// Name returns the agent name.
func (e *Executor) Name() string { return e.cfg.Name }

// Config returns the agent configuration.
func (e *Executor) Config() *config.AgentConfig { return e.cfg }

// Close releases the executor's tool connections and memory backend.
func (e *Executor) Close() error {
	var firstErr error
	if e.tools != nil {
		firstErr = e.tools.Close()
	}
	if e.memory != nil {
		if err := e.memory.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Execute runs the tool loop without event emission.
func (e *Executor) Execute(ctx context.Context, actx *AgentContext) (string, error) {
	return e.run(ctx, actx, nil)
}

// ExecuteStreaming runs the tool loop, emitting events to sink. The event
// sequence is finite and always ends with Final or Error.
func (e *Executor) ExecuteStreaming(ctx context.Context, actx *AgentContext, sink EventSink) (string, error) {
	return e.run(ctx, actx, sink)
}

func (e *Executor) run(ctx context.Context, actx *AgentContext, sink EventSink) (string, error) {
	start := time.Now()
	defer func() {
		actx.Metadata.WallTimeMs = time.Since(start).Milliseconds()
	}()
	actx.Metadata.Model = e.provider.Model()

	emit(sink, StreamEvent{Type: EventStarted, Agent: e.cfg.Name})

	if e.cfg.SystemPrompt != "" {
		actx.Messages = append(actx.Messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: e.cfg.SystemPrompt,
		})
	}
	if e.memory != nil {
		recalled, err := e.memory.Recent(ctx, e.cfg.MaxContextMessages)
		if err != nil {
			e.logger.Warn("memory recall failed, continuing without history", "error", err)
		} else {
			actx.Messages = append(actx.Messages, recalled...)
		}
	}
	actx.Messages = append(actx.Messages, llms.Message{
		Role:    llms.RoleUser,
		Content: actx.Input,
	})

	var catalogue []llms.ToolDefinition
	if e.tools != nil {
		defs, err := e.tools.ListTools(ctx)
		if err != nil {
			return e.fail(sink, NewAgentError(e.cfg.Name, ErrInternal, "failed to list tools", err))
		}
		catalogue = defs
	}

	opts := llms.Options{
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}

	for i := 0; i < e.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return e.fail(sink, NewAgentError(e.cfg.Name, ErrCancelled, "Execution cancelled", err))
		}

		completion, err := e.invoke(ctx, actx.Messages, catalogue, opts, sink)
		if err != nil {
			if ctx.Err() != nil {
				return e.fail(sink, NewAgentError(e.cfg.Name, ErrCancelled, "Execution cancelled", ctx.Err()))
			}
			return e.fail(sink, NewAgentError(e.cfg.Name, ErrModelFailure, "model invocation failed", err))
		}
		actx.Metadata.InputTokens += completion.Usage.InputTokens
		actx.Metadata.OutputTokens += completion.Usage.OutputTokens

		if completion.IsFinal() {
			actx.Messages = append(actx.Messages, llms.Message{
				Role:    llms.RoleAssistant,
				Content: completion.Text,
			})
			e.persist(ctx, actx.Messages)
			emit(sink, StreamEvent{Type: EventFinal, Agent: e.cfg.Name, Text: completion.Text})
			return completion.Text, nil
		}

		actx.Messages = append(actx.Messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		// Tool calls within one model turn run strictly in order so later
		// tools observe earlier outputs in-context.
		for _, call := range completion.ToolCalls {
			if err := ctx.Err(); err != nil {
				return e.fail(sink, NewAgentError(e.cfg.Name, ErrCancelled, "Execution cancelled", err))
			}
			emit(sink, StreamEvent{
				Type:     EventToolCall,
				Agent:    e.cfg.Name,
				ToolName: call.Name,
				ToolArgs: call.Arguments,
			})

			result := e.tools.Execute(ctx, call.Name, call.Arguments)
			actx.RecordToolResult(result.Text())
			actx.Messages = append(actx.Messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    result.Text(),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			emit(sink, StreamEvent{
				Type:     EventToolResult,
				Agent:    e.cfg.Name,
				ToolName: call.Name,
				OK:       result.OK,
				Data:     result.Text(),
				Duration: result.Duration,
			})
			if !result.OK {
				e.logger.Debug("tool call failed", "tool", call.Name, "error", result.ErrorText)
			}
		}
	}

	return e.fail(sink, NewAgentError(e.cfg.Name, ErrIterationsExceeded,
		"agent exceeded max iterations without a final response", nil))
}

// invoke calls the model, retrying once on retryable failures. Streaming
// providers forward chunks to the sink.
func (e *Executor) invoke(ctx context.Context, messages []llms.Message, catalogue []llms.ToolDefinition, opts llms.Options, sink EventSink) (*llms.Completion, error) {
	call := func() (*llms.Completion, error) {
		if sp, ok := e.provider.(llms.StreamingProvider); ok && sink != nil {
			return sp.InvokeStreaming(ctx, messages, catalogue, opts, func(text string) {
				emit(sink, StreamEvent{Type: EventModelChunk, Agent: e.cfg.Name, Text: text})
			})
		}
		return e.provider.Invoke(ctx, messages, catalogue, opts)
	}

	completion, err := call()
	if err == nil {
		return completion, nil
	}
	var modelErr *llms.ModelError
	if errors.As(err, &modelErr) && modelErr.Retryable && ctx.Err() == nil {
		e.logger.Warn("retrying model call after retryable failure", "error", err)
		return call()
	}
	return nil, err
}

// persist forwards the tail of the conversation to memory after a
// successful run.
func (e *Executor) persist(ctx context.Context, messages []llms.Message) {
	if e.memory == nil {
		return
	}
	n := e.cfg.MaxContextMessages
	if n <= 0 || n > len(messages) {
		n = len(messages)
	}
	for _, msg := range messages[len(messages)-n:] {
		if msg.Role == llms.RoleSystem {
			continue
		}
		if err := e.memory.Append(ctx, msg); err != nil {
			e.logger.Warn("memory append failed", "error", err)
			return
		}
	}
}

func (e *Executor) fail(sink EventSink, err *AgentError) (string, error) {
	msg := err.Message
	if err.Kind == ErrCancelled {
		msg = "Execution cancelled"
	}
	emit(sink, StreamEvent{Type: EventError, Agent: e.cfg.Name, Message: msg})
	return "", err
}
