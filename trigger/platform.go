package trigger

import (
	"context"
	"fmt"

	"github.com/aofdev/aof/config"
)

// NewPlatform builds the platform adapter for a trigger configuration.
// Schedule triggers reply through the generic webhook adapter (log or
// callback_url).
func NewPlatform(ctx context.Context, cfg *config.TriggerConfig) (Platform, error) {
	switch cfg.Platform {
	case "slack":
		return NewSlackPlatform(cfg.Credentials)
	case "discord":
		return NewDiscordPlatform(cfg.Credentials)
	case "teams":
		return NewTeamsPlatform(ctx, cfg.Credentials)
	case "webhook", "schedule":
		return NewWebhookPlatform(cfg.Credentials), nil
	default:
		return nil, NewTriggerError(cfg.Name, "NewPlatform",
			fmt.Sprintf("unknown platform %q", cfg.Platform), nil)
	}
}
