package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aofdev/aof/agent"
	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/fleet"
	"github.com/aofdev/aof/workflow"
)

// RunCmd executes one agent, workflow, or fleet task and exits.
type RunCmd struct {
	Agent    RunAgentCmd    `cmd:"" help:"Run a single agent with an input."`
	Workflow RunWorkflowCmd `cmd:"" help:"Run a workflow to completion."`
	Fleet    RunFleetCmd    `cmd:"" help:"Run one task through a fleet."`
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// parseInputJSON accepts a JSON object or wraps plain text as {"input": ...}.
func parseInputJSON(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err == nil {
		return input
	}
	return map[string]any{"input": raw}
}

// loadAgents populates a registry from an optional directory of agent
// resources.
func loadAgents(ctx context.Context, dir string) (*agent.Registry, error) {
	registry := agent.NewRegistry()
	if dir == "" {
		return registry, nil
	}
	n, err := registry.LoadDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "loaded %d agents from %s\n", n, dir)
	return registry, nil
}

// RunAgentCmd runs one agent file with a text input.
type RunAgentCmd struct {
	File  string `arg:"" type:"path" help:"Agent resource file."`
	Input string `arg:"" help:"Input text for the agent."`
}

func (c *RunAgentCmd) Run() error {
	ctx, cancel := signalContext()
	defer cancel()

	registry := agent.NewRegistry()
	defer func() { _ = registry.Shutdown(context.Background()) }()

	name, err := registry.LoadFromFile(ctx, c.File)
	if err != nil {
		return err
	}
	output, err := registry.Execute(ctx, name, c.Input)
	if err != nil {
		return err
	}
	fmt.Println(output)
	return nil
}

// RunWorkflowCmd runs one workflow file to completion.
type RunWorkflowCmd struct {
	File      string `arg:"" type:"path" help:"Workflow resource file."`
	Input     string `help:"Initial state as a JSON object (plain text becomes {\"input\": ...})."`
	AgentsDir string `name:"agents-dir" type:"path" help:"Directory of agent resources the workflow references."`
}

func (c *RunWorkflowCmd) Run() error {
	ctx, cancel := signalContext()
	defer cancel()

	res, err := config.LoadResource(c.File)
	if err != nil {
		return err
	}
	cfg, err := config.WorkflowFromResource(res)
	if err != nil {
		return err
	}

	registry, err := loadAgents(ctx, c.AgentsDir)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Shutdown(context.Background()) }()

	exec, err := workflow.NewExecutor(cfg, registry)
	if err != nil {
		return err
	}

	run := exec.NewRun(parseInputJSON(c.Input))
	state, err := exec.Execute(ctx, run)
	if state != nil {
		out, _ := json.MarshalIndent(map[string]any{
			"run_id": state.ID,
			"status": state.CurrentStatus(),
			"output": state.Snapshot(),
		}, "", "  ")
		fmt.Println(string(out))
	}
	return err
}

// RunFleetCmd submits one task to a fleet and prints its result.
type RunFleetCmd struct {
	File      string   `arg:"" type:"path" help:"Fleet resource file."`
	Input     string   `arg:"" help:"Task input text."`
	Type      string   `help:"Task type hint."`
	Skills    []string `help:"Required skills for skill-based distribution."`
	AgentsDir string   `name:"agents-dir" type:"path" help:"Directory of agent resources the fleet references."`
}

func (c *RunFleetCmd) Run() error {
	ctx, cancel := signalContext()
	defer cancel()

	res, err := config.LoadResource(c.File)
	if err != nil {
		return err
	}
	cfg, err := config.FleetFromResource(res)
	if err != nil {
		return err
	}

	registry, err := loadAgents(ctx, c.AgentsDir)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Shutdown(context.Background()) }()

	coord, err := fleet.NewCoordinator(cfg, registry)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	id := coord.SubmitTaskWithOptions(c.Input, c.Type, c.Skills)
	if _, err := coord.ExecuteNext(ctx); err != nil {
		return err
	}
	task, ok := coord.Task(id)
	if !ok {
		return fmt.Errorf("task %s lost", id)
	}
	out, _ := json.MarshalIndent(map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"result":  task.Result,
		"error":   task.Error,
	}, "", "  ")
	fmt.Println(string(out))
	if task.Error != "" {
		return fmt.Errorf("fleet task failed: %s", task.Error)
	}
	return nil
}
