// Command aof is the agentic-operations CLI: it runs agents, workflows, and
// fleets directly, manages applied flows, and serves the webhook/API surface.
//
// Usage:
//
//	aof run agent agent.yaml "summarize the incident"
//	aof run workflow deploy.yaml --input '{"service":"api"}'
//	aof flow apply flows/oncall.yaml
//	aof serve --dir ./resources
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/logger"
)

// Exit codes: 0 success, 1 runtime failure, 2 validation or usage error.
const (
	exitOK         = 0
	exitRuntime    = 1
	exitValidation = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Run an agent, workflow, or fleet once."`
	Flow     FlowCmd     `cmd:"" help:"Manage and run applied flows."`
	Serve    ServeCmd    `cmd:"" help:"Start the webhook/API server."`
	Validate ValidateCmd `cmd:"" help:"Validate resource files."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
	LogFile   string `help:"Log file path (empty = stderr)." type:"path"`
	EnvFile   string `help:"Load environment from a .env file." type:"path"`
}

// ValidateCmd parses resource files and reports problems.
type ValidateCmd struct {
	Files []string `arg:"" type:"path" help:"Resource files to validate."`
}

func (c *ValidateCmd) Run() error {
	for _, path := range c.Files {
		res, err := config.LoadResource(path)
		if err != nil {
			return err
		}
		if _, err := resourceSpec(res); err != nil {
			return err
		}
		fmt.Printf("OK %s/%s (%s)\n", res.Kind, res.Metadata.Name, path)
	}
	return nil
}

// resourceSpec decodes and validates a resource's spec by kind.
func resourceSpec(res *config.Resource) (any, error) {
	switch res.Kind {
	case config.KindAgent:
		return config.AgentFromResource(res)
	case config.KindFleet:
		return config.FleetFromResource(res)
	case config.KindWorkflow:
		return config.WorkflowFromResource(res)
	case config.KindAgentFlow:
		return config.FlowFromResource(res)
	case config.KindTrigger:
		return config.TriggerFromResource(res)
	default:
		return nil, config.NewConfigError("Config", "Validate",
			fmt.Sprintf("unknown kind %q", res.Kind), nil)
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aof"),
		kong.Description("aof - agentic operations framework"),
		kong.UsageOnError(),
	)

	if cli.EnvFile != "" {
		if err := godotenv.Load(cli.EnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to load %s: %v\n", cli.EnvFile, err)
			os.Exit(exitValidation)
		}
	} else {
		// Best-effort default .env; absence is fine.
		_ = godotenv.Load()
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
			os.Exit(exitRuntime)
		}
		defer cleanup()
		output = file
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(exitValidation)
		}
		os.Exit(exitRuntime)
	}
}
