package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/flow"
	"github.com/aofdev/aof/store"
)

// FlowCmd manages the applied-flow workspace: apply/get/delete manipulate
// stored definitions, run/status/logs operate on executions.
type FlowCmd struct {
	Apply  FlowApplyCmd  `cmd:"" help:"Validate a flow file and store it in the workspace."`
	Get    FlowGetCmd    `cmd:"" help:"List applied flows or print one."`
	Run    FlowRunCmd    `cmd:"" help:"Execute an applied flow."`
	Status FlowStatusCmd `cmd:"" help:"Show the status of a flow run."`
	Logs   FlowLogsCmd   `cmd:"" help:"Show per-node records of a flow run."`
	Delete FlowDeleteCmd `cmd:"" help:"Remove an applied flow."`

	Dir string `help:"Flow workspace directory." default:".aof" type:"path"`
}

func (c *FlowCmd) flowsDir() string { return filepath.Join(c.Dir, "flows") }

func (c *FlowCmd) flowPath(name string) string {
	return filepath.Join(c.flowsDir(), name+".yaml")
}

func (c *FlowCmd) openStore() (store.Store, error) {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(filepath.Join(c.Dir, "runs.db"))
}

func (c *FlowCmd) loadFlow(name string) (*config.FlowConfig, error) {
	res, err := config.LoadResource(c.flowPath(name))
	if err != nil {
		return nil, err
	}
	return config.FlowFromResource(res)
}

// FlowApplyCmd validates and stores a flow definition.
type FlowApplyCmd struct {
	File string `arg:"" type:"path" help:"Flow resource file."`
}

func (c *FlowApplyCmd) Run(parent *FlowCmd) error {
	res, err := config.LoadResource(c.File)
	if err != nil {
		return err
	}
	cfg, err := config.FlowFromResource(res)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(parent.flowsDir(), 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	if err := os.WriteFile(parent.flowPath(cfg.Name), data, 0644); err != nil {
		return err
	}
	fmt.Printf("flow %q applied (%d nodes)\n", cfg.Name, len(cfg.Nodes))
	return nil
}

// FlowGetCmd lists applied flows, or prints one definition.
type FlowGetCmd struct {
	Name string `arg:"" optional:"" help:"Flow name to print."`
}

func (c *FlowGetCmd) Run(parent *FlowCmd) error {
	if c.Name != "" {
		data, err := os.ReadFile(parent.flowPath(c.Name))
		if err != nil {
			return fmt.Errorf("flow %q not applied: %w", c.Name, err)
		}
		fmt.Print(string(data))
		return nil
	}

	entries, err := os.ReadDir(parent.flowsDir())
	if os.IsNotExist(err) || len(entries) == 0 {
		fmt.Println("no flows applied")
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".yaml")]
		cfg, err := parent.loadFlow(name)
		if err != nil {
			fmt.Printf("  %s (invalid: %v)\n", name, err)
			continue
		}
		fmt.Printf("  %s  platform=%s nodes=%d\n", cfg.Name, cfg.Trigger.Platform, len(cfg.Nodes))
	}
	return nil
}

// FlowRunCmd executes an applied flow with synthetic trigger data.
type FlowRunCmd struct {
	Name      string `arg:"" help:"Applied flow name."`
	Data      string `help:"Trigger data as a JSON object (plain text becomes {\"text\": ...})."`
	AgentsDir string `name:"agents-dir" type:"path" help:"Directory of agent resources the flow references."`
}

func (c *FlowRunCmd) Run(parent *FlowCmd) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := parent.loadFlow(c.Name)
	if err != nil {
		return err
	}
	registry, err := loadAgents(ctx, c.AgentsDir)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Shutdown(context.Background()) }()

	exec, err := flow.NewExecutor(cfg, registry)
	if err != nil {
		return err
	}

	data := parseInputJSON(c.Data)
	if text, ok := data["input"]; ok {
		// Flow templates read ${trigger.text}.
		data["text"] = text
		delete(data, "input")
	}

	runs, err := parent.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	state, execErr := exec.Execute(ctx, data)
	if state != nil {
		if rec, err := store.Snapshot(state.ID, "flow", state); err == nil {
			if err := runs.Put(ctx, rec); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to persist run: %v\n", err)
			}
		}
		fmt.Printf("run %s: %s\n", state.ID, state.CurrentStatus())
		if state.CurrentStatus() == flow.StatusWaiting {
			fmt.Printf("waiting at node %s\n", state.WaitingNode)
		}
	}
	return execErr
}

// FlowStatusCmd prints a stored run's status.
type FlowStatusCmd struct {
	RunID string `arg:"" help:"Run identifier."`
}

func (c *FlowStatusCmd) Run(parent *FlowCmd) error {
	ctx := context.Background()
	runs, err := parent.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	rec, err := runs.Get(ctx, c.RunID)
	if err != nil {
		return err
	}
	var state struct {
		Flow        string `json:"Flow"`
		Status      string `json:"Status"`
		WaitingNode string `json:"WaitingNode"`
		Error       string `json:"Error"`
	}
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return err
	}
	fmt.Printf("run:     %s\n", rec.RunID)
	fmt.Printf("flow:    %s\n", state.Flow)
	fmt.Printf("status:  %s\n", state.Status)
	if state.WaitingNode != "" {
		fmt.Printf("waiting: %s\n", state.WaitingNode)
	}
	if state.Error != "" {
		fmt.Printf("error:   %s\n", state.Error)
	}
	fmt.Printf("updated: %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// FlowLogsCmd prints per-node execution records of a stored run.
type FlowLogsCmd struct {
	RunID string `arg:"" help:"Run identifier."`
}

func (c *FlowLogsCmd) Run(parent *FlowCmd) error {
	ctx := context.Background()
	runs, err := parent.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = runs.Close() }()

	rec, err := runs.Get(ctx, c.RunID)
	if err != nil {
		return err
	}
	var state struct {
		Nodes map[string]struct {
			Status string         `json:"status"`
			Output map[string]any `json:"output"`
			Error  string         `json:"error"`
		} `json:"Nodes"`
	}
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return err
	}
	for id, node := range state.Nodes {
		fmt.Printf("%s [%s]", id, node.Status)
		if node.Error != "" {
			fmt.Printf(" error=%s", node.Error)
		}
		fmt.Println()
		if len(node.Output) > 0 {
			out, _ := json.MarshalIndent(node.Output, "  ", "  ")
			fmt.Printf("  %s\n", out)
		}
	}
	return nil
}

// FlowDeleteCmd removes an applied flow definition.
type FlowDeleteCmd struct {
	Name string `arg:"" help:"Applied flow name."`
}

func (c *FlowDeleteCmd) Run(parent *FlowCmd) error {
	path := parent.flowPath(c.Name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("flow %q not applied", c.Name)
		}
		return err
	}
	fmt.Printf("flow %q deleted\n", c.Name)
	return nil
}
