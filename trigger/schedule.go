package trigger

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aofdev/aof/config"
)

// Scheduler fires a trigger's configured input on a cron schedule, feeding
// synthetic messages through the handler's normal routing.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds an idle scheduler with seconds-optional cron parsing.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Add registers one schedule trigger. Each firing routes cfg.Input through
// the handler as a synthetic message.
func (s *Scheduler) Add(cfg *config.TriggerConfig, handler *Handler) (cron.EntryID, error) {
	if cfg.Schedule == "" {
		return 0, NewTriggerError(cfg.Name, "Add", "schedule expression is required", nil)
	}
	if cfg.Input == "" {
		return 0, NewTriggerError(cfg.Name, "Add", "input is required for schedule triggers", nil)
	}

	name := cfg.Name
	input := cfg.Input
	id, err := s.cron.AddFunc(cfg.Schedule, func() {
		ts := strconv.FormatInt(time.Now().UnixNano(), 10)
		msg := &Message{
			Platform:  "schedule",
			ID:        ts,
			Channel:   "schedule:" + name,
			User:      "scheduler",
			Text:      input,
			EventType: "message",
			Timestamp: ts,
		}
		if err := handler.HandleMessage(context.Background(), msg); err != nil {
			s.logger.Error("scheduled trigger failed", "trigger", name, "error", err)
		}
	})
	if err != nil {
		return 0, NewTriggerError(cfg.Name, "Add", "invalid schedule expression", err)
	}
	s.logger.Info("registered schedule", "trigger", name, "schedule", cfg.Schedule)
	return id, nil
}

// Remove drops a scheduled trigger.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
