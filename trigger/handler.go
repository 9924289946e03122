package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/flow"
)

const (
	// DefaultMaxTasksPerUser caps concurrent in-flight tasks per user.
	DefaultMaxTasksPerUser = 3
	// approvedCommandTimeout bounds approved shell command execution.
	approvedCommandTimeout = 5 * time.Minute
)

// AgentRunner executes a registered agent by name.
type AgentRunner interface {
	Execute(ctx context.Context, name, input string) (string, error)
}

// FleetDispatcher submits one task to a named fleet and returns its textual
// result.
type FleetDispatcher interface {
	Dispatch(ctx context.Context, fleet, input string) (string, error)
}

// Handler routes normalised messages for one trigger. Routing precedence:
// reaction events, then flow matches, then slash commands, then the default
// agent.
type Handler struct {
	cfg           *config.TriggerConfig
	platform      Platform
	agents        AgentRunner
	fleets        FleetDispatcher
	flows         *flow.Router
	approvals     *ApprovalStore
	conversations *ConversationStore
	logger        *slog.Logger

	mu              sync.Mutex
	userTasks       map[string]int
	maxTasksPerUser int
}

// HandlerOption customizes a handler.
type HandlerOption func(*Handler)

func WithFleets(d FleetDispatcher) HandlerOption {
	return func(h *Handler) { h.fleets = d }
}

func WithFlows(r *flow.Router) HandlerOption {
	return func(h *Handler) { h.flows = r }
}

func WithMaxTasksPerUser(n int) HandlerOption {
	return func(h *Handler) { h.maxTasksPerUser = n }
}

// NewHandler builds a handler for one trigger configuration.
func NewHandler(cfg *config.TriggerConfig, platform Platform, agents AgentRunner, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:             cfg,
		platform:        platform,
		agents:          agents,
		approvals:       NewApprovalStore(),
		conversations:   NewConversationStore(),
		logger:          slog.Default().With("trigger", cfg.Name),
		userTasks:       make(map[string]int),
		maxTasksPerUser: DefaultMaxTasksPerUser,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Approvals exposes the pending-approval store.
func (h *Handler) Approvals() *ApprovalStore { return h.approvals }

// Conversations exposes the per-thread memory.
func (h *Handler) Conversations() *ConversationStore { return h.conversations }

// ServeHTTP parses one inbound webhook request and handles the message
// synchronously.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	msg, err := h.platform.ParseRequest(w, r)
	if err != nil {
		h.logger.Warn("rejected inbound request", "error", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if msg == nil {
		// Handled inline (challenge, ack-only event).
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := h.HandleMessage(r.Context(), msg); err != nil {
		h.logger.Error("message handling failed", "user", msg.User, "error", err)
	}
}

// HandleMessage routes one normalised message.
func (h *Handler) HandleMessage(ctx context.Context, msg *Message) error {
	if msg.EventType == "reaction_added" {
		return h.handleReaction(ctx, msg)
	}
	if !h.accepts(msg) {
		h.logger.Debug("message filtered", "channel", msg.Channel, "user", msg.User)
		return nil
	}

	if !h.acquireUserSlot(msg.User) {
		h.reply(ctx, msg, fmt.Sprintf("You already have %d tasks running. Please wait for one to finish.", h.maxTasksPerUser))
		return nil
	}
	defer h.releaseUserSlot(msg.User)

	if h.cfg.AutoAck {
		h.reply(ctx, msg, "Processing...")
	}

	// Flow routing outranks commands: a matching flow owns the message.
	if h.flows != nil {
		inbound := flow.InboundMessage{
			Platform: msg.Platform,
			Channel:  msg.Channel,
			User:     msg.User,
			Text:     msg.Text,
		}
		if exec, ok := h.flows.Match(inbound); ok {
			return h.runFlow(ctx, exec, msg)
		}
	}

	if cmd, args, ok := h.parseCommand(msg.Text); ok {
		return h.runCommand(ctx, msg, cmd, args)
	}

	if h.cfg.DefaultAgent != "" {
		return h.runDefaultAgent(ctx, msg)
	}

	h.reply(ctx, msg, "I did not understand that. Try /<command> or configure a default agent.")
	return nil
}

// accepts applies the trigger's channel/user filters.
func (h *Handler) accepts(msg *Message) bool {
	if len(h.cfg.Filters.Channels) > 0 && !containsFold(h.cfg.Filters.Channels, msg.Channel) {
		return false
	}
	if len(h.cfg.Filters.Users) > 0 && !containsFold(h.cfg.Filters.Users, msg.User) {
		return false
	}
	if len(h.cfg.Filters.Workspaces) > 0 {
		workspace, _ := msg.Metadata["workspace"].(string)
		if !containsFold(h.cfg.Filters.Workspaces, workspace) {
			return false
		}
	}
	return true
}

func (h *Handler) acquireUserSlot(user string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userTasks[user] >= h.maxTasksPerUser {
		return false
	}
	h.userTasks[user]++
	return true
}

func (h *Handler) releaseUserSlot(user string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userTasks[user] > 0 {
		h.userTasks[user]--
	}
}

// parseCommand recognises a leading /command token.
func (h *Handler) parseCommand(text string) (command, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	command, args, _ = strings.Cut(text[1:], " ")
	if command == "" {
		return "", "", false
	}
	return command, strings.TrimSpace(args), true
}

// runFlow executes a matched flow with the message as trigger data.
func (h *Handler) runFlow(ctx context.Context, exec *flow.Executor, msg *Message) error {
	state, err := exec.Execute(ctx, map[string]any{
		"platform": msg.Platform,
		"channel":  msg.Channel,
		"thread":   msg.Thread,
		"user":     msg.User,
		"text":     msg.Text,
		"ts":       msg.Timestamp,
	})
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Flow %s failed: %v", exec.Name(), err))
		return NewTriggerError(h.cfg.Name, "runFlow", "flow execution failed", err)
	}
	switch state.CurrentStatus() {
	case flow.StatusWaiting:
		h.logger.Info("flow waiting", "flow", exec.Name(), "node", state.WaitingNode)
	case flow.StatusCompleted:
		h.reply(ctx, msg, fmt.Sprintf("Flow %s completed.", exec.Name()))
	}
	return nil
}

// runCommand dispatches a slash command through its binding.
func (h *Handler) runCommand(ctx context.Context, msg *Message, command, args string) error {
	binding, ok := h.cfg.Commands[command]
	if !ok {
		h.reply(ctx, msg, fmt.Sprintf("Unknown command /%s. Available: %s", command, h.commandList()))
		return nil
	}

	input := args
	if input == "" {
		input = msg.Text
	}

	var (
		reply string
		err   error
	)
	switch binding.Kind {
	case config.CommandTargetAgent:
		reply, err = h.agents.Execute(ctx, binding.Target, input)
	case config.CommandTargetFleet:
		if h.fleets == nil {
			err = NewTriggerError(h.cfg.Name, "runCommand", "no fleet dispatcher configured", nil)
		} else {
			reply, err = h.fleets.Dispatch(ctx, binding.Target, input)
		}
	case config.CommandTargetFlow:
		exec, registered := h.flows.Get(binding.Target)
		if !registered {
			err = NewTriggerError(h.cfg.Name, "runCommand", fmt.Sprintf("flow %q not registered", binding.Target), nil)
		} else {
			return h.runFlow(ctx, exec, msg)
		}
	}
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Command /%s failed: %v", command, err))
		return err
	}
	return h.deliver(ctx, msg, binding.Target, reply)
}

func (h *Handler) commandList() string {
	names := make([]string, 0, len(h.cfg.Commands))
	for name := range h.cfg.Commands {
		names = append(names, "/"+name)
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

// runDefaultAgent handles a natural-language message with thread context.
func (h *Handler) runDefaultAgent(ctx context.Context, msg *Message) error {
	key := msg.ConversationKey()
	h.conversations.Add(key, "user", msg.Text)

	input := msg.Text
	if transcript := h.conversations.Context(key); transcript != "" {
		input = transcript + "\nCurrent message: " + msg.Text
	}

	reply, err := h.agents.Execute(ctx, h.cfg.DefaultAgent, input)
	if err != nil {
		h.reply(ctx, msg, fmt.Sprintf("Agent failed: %v", err))
		return err
	}
	h.conversations.Add(key, "assistant", reply)
	return h.deliver(ctx, msg, h.cfg.DefaultAgent, reply)
}

// deliver posts an agent reply, converting approval requests into a reaction
// prompt with a pending entry.
func (h *Handler) deliver(ctx context.Context, msg *Message, agentName, reply string) error {
	command, needsApproval := ParseApprovalRequest(reply)
	if !needsApproval {
		h.reply(ctx, msg, reply)
		return nil
	}

	prompt := fmt.Sprintf("Approval required to run:\n```\n%s\n```\nReact with :white_check_mark: to approve or :x: to deny.", command)
	ts, err := h.platform.PostMessage(ctx, msg.Channel, msg.Thread, prompt)
	if err != nil {
		return NewTriggerError(h.cfg.Name, "deliver", "failed to post approval prompt", err)
	}
	for _, emoji := range []string{"white_check_mark", "x"} {
		if err := h.platform.AddReaction(ctx, msg.Channel, ts, emoji); err != nil {
			h.logger.Warn("failed to add prompt reaction", "emoji", emoji, "error", err)
		}
	}
	h.approvals.Put(&PendingApproval{
		Command:         command,
		RequestedBy:     msg.User,
		Channel:         msg.Channel,
		MessageTS:       ts,
		Agent:           agentName,
		OriginalMessage: msg.Text,
		RequestedAt:     time.Now(),
	})
	return nil
}

// handleReaction resolves a reaction against the pending approvals.
func (h *Handler) handleReaction(ctx context.Context, msg *Message) error {
	if bot, _ := msg.Metadata["bot"].(bool); bot {
		return nil
	}
	reaction, _ := msg.Metadata["reaction"].(string)
	itemTS, _ := msg.Metadata["item_ts"].(string)
	if reaction == "" || itemTS == "" {
		return nil
	}

	pending, ok := h.approvals.Take(itemTS)
	if !ok {
		return nil
	}

	switch {
	case approveReactions[reaction]:
		if !h.authorized(msg.User) {
			// Unauthorized reactions leave the approval pending.
			h.approvals.Put(pending)
			h.replyInChannel(ctx, pending.Channel, itemTS, fmt.Sprintf("<%s> is not authorized to approve this command.", msg.User))
			return nil
		}
		return h.runApprovedCommand(ctx, msg.User, pending)
	case denyReactions[reaction]:
		if !h.authorized(msg.User) {
			h.approvals.Put(pending)
			h.replyInChannel(ctx, pending.Channel, itemTS, fmt.Sprintf("<%s> is not authorized to deny this command.", msg.User))
			return nil
		}
		h.replyInChannel(ctx, pending.Channel, itemTS, fmt.Sprintf("Command denied by <%s>:\n```\n%s\n```", msg.User, pending.Command))
		return nil
	default:
		// Not a decision reaction; keep waiting.
		h.approvals.Put(pending)
		return nil
	}
}

func (h *Handler) authorized(user string) bool {
	if len(h.cfg.Approvers) == 0 {
		return true
	}
	return containsFold(h.cfg.Approvers, user)
}

// runApprovedCommand executes the approved shell command and reports its
// output in the approval thread.
func (h *Handler) runApprovedCommand(ctx context.Context, approver string, pending *PendingApproval) error {
	h.logger.Info("executing approved command",
		"command", pending.Command,
		"approver", approver,
		"requested_by", pending.RequestedBy)

	cmdCtx, cancel := context.WithTimeout(ctx, approvedCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", pending.Command)
	output, err := cmd.CombinedOutput()

	var report string
	if err != nil {
		report = fmt.Sprintf("Command failed (approved by <%s>): %v\n```\n%s\n```", approver, err, strings.TrimSpace(string(output)))
	} else {
		text := strings.TrimSpace(string(output))
		if text == "" {
			text = "(no output)"
		}
		report = fmt.Sprintf("Command succeeded (approved by <%s>):\n```\n%s\n```", approver, text)
	}
	h.replyInChannel(ctx, pending.Channel, pending.MessageTS, report)
	return nil
}

func (h *Handler) reply(ctx context.Context, msg *Message, text string) {
	thread := msg.Thread
	if thread == "" {
		thread = msg.Timestamp
	}
	h.replyInChannel(ctx, msg.Channel, thread, text)
}

func (h *Handler) replyInChannel(ctx context.Context, channel, thread, text string) {
	if _, err := h.platform.PostMessage(ctx, channel, thread, text); err != nil {
		h.logger.Error("failed to post reply", "channel", channel, "error", err)
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
