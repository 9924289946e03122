package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/aofdev/aof/agent"
	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/fleet"
	"github.com/aofdev/aof/flow"
	"github.com/aofdev/aof/observability"
	"github.com/aofdev/aof/server"
	"github.com/aofdev/aof/store"
	"github.com/aofdev/aof/trigger"
	"github.com/aofdev/aof/workflow"
)

// ServeCmd starts the webhook/API server from a resource directory tree:
// <dir>/agents, <dir>/workflows, <dir>/fleets, <dir>/flows, <dir>/triggers.
type ServeCmd struct {
	Dir     string   `help:"Resource directory." default:"./resources" type:"path"`
	Addr    string   `help:"Listen address." default:":8080"`
	Watch   bool     `help:"Watch the agents directory and hot-reload changed definitions."`
	Metrics bool     `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	Store   string   `help:"Run store sqlite path (empty = in-memory)." type:"path"`
	CORS    []string `help:"Allowed CORS origins."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	registry := agent.NewRegistry()
	defer func() { _ = registry.Shutdown(context.Background()) }()

	agentsDir := filepath.Join(c.Dir, "agents")
	if dirExists(agentsDir) {
		n, err := registry.LoadDirectory(ctx, agentsDir)
		if err != nil {
			return err
		}
		slog.Info("agents loaded", "count", n, "dir", agentsDir)
	}

	opts := []server.Option{server.WithAddr(c.Addr)}

	if c.Store != "" {
		runs, err := store.NewSQLiteStore(c.Store)
		if err != nil {
			return err
		}
		defer func() { _ = runs.Close() }()
		opts = append(opts, server.WithStore(runs))
	}

	var metrics *observability.Metrics
	if c.Metrics {
		metrics = observability.New()
		opts = append(opts, server.WithMetrics(metrics))
	}
	if len(c.CORS) > 0 {
		opts = append(opts, server.WithCORS(c.CORS...))
	}

	workflows, err := c.loadWorkflows(registry)
	if err != nil {
		return err
	}
	for _, exec := range workflows {
		opts = append(opts, server.WithWorkflow(exec))
	}

	fleets, err := c.loadFleets(ctx, registry)
	if err != nil {
		return err
	}
	for _, coord := range fleets {
		opts = append(opts, server.WithFleet(coord))
		defer coord.Stop()
	}

	srv := server.New(registry, opts...)

	platforms := make(map[string]trigger.Platform)
	notifier := &platformNotifier{platforms: platforms}

	router, err := c.loadFlows(registry, notifier)
	if err != nil {
		return err
	}

	scheduler := trigger.NewScheduler()
	if err := c.loadTriggers(ctx, registry, srv, router, scheduler, platforms); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if c.Watch && dirExists(agentsDir) {
		stop, err := watchAgents(ctx, registry, agentsDir)
		if err != nil {
			return err
		}
		defer stop()
	}

	fmt.Printf("aof server ready\n")
	fmt.Printf("   Health:   http://localhost%s/health\n", c.Addr)
	if c.Metrics {
		fmt.Printf("   Metrics:  http://localhost%s/metrics\n", c.Addr)
	}
	for platform := range platforms {
		fmt.Printf("   Webhook:  http://localhost%s/webhook/%s\n", c.Addr, platform)
	}
	for name := range workflows {
		fmt.Printf("   Workflow: http://localhost%s/workflow/%s\n", c.Addr, name)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

func (c *ServeCmd) loadWorkflows(registry *agent.Registry) (map[string]*workflow.Executor, error) {
	out := make(map[string]*workflow.Executor)
	dir := filepath.Join(c.Dir, "workflows")
	if !dirExists(dir) {
		return out, nil
	}
	resources, err := config.LoadDirectory(dir, config.KindWorkflow)
	if err != nil {
		return nil, err
	}
	for name, res := range resources {
		cfg, err := config.WorkflowFromResource(res)
		if err != nil {
			return nil, err
		}
		exec, err := workflow.NewExecutor(cfg, registry)
		if err != nil {
			return nil, err
		}
		out[name] = exec
	}
	return out, nil
}

func (c *ServeCmd) loadFleets(ctx context.Context, registry *agent.Registry) (map[string]*fleet.Coordinator, error) {
	out := make(map[string]*fleet.Coordinator)
	dir := filepath.Join(c.Dir, "fleets")
	if !dirExists(dir) {
		return out, nil
	}
	resources, err := config.LoadDirectory(dir, config.KindFleet)
	if err != nil {
		return nil, err
	}
	for name, res := range resources {
		cfg, err := config.FleetFromResource(res)
		if err != nil {
			return nil, err
		}
		coord, err := fleet.NewCoordinator(cfg, registry)
		if err != nil {
			return nil, err
		}
		if err := coord.Start(ctx); err != nil {
			return nil, err
		}
		out[name] = coord
	}
	return out, nil
}

func (c *ServeCmd) loadFlows(registry *agent.Registry, notifier flow.Notifier) (*flow.Router, error) {
	router := flow.NewRouter()
	dir := filepath.Join(c.Dir, "flows")
	if !dirExists(dir) {
		return router, nil
	}
	resources, err := config.LoadDirectory(dir, config.KindAgentFlow)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		cfg, err := config.FlowFromResource(res)
		if err != nil {
			return nil, err
		}
		exec, err := flow.NewExecutor(cfg, registry, flow.WithNotifier(notifier))
		if err != nil {
			return nil, err
		}
		router.Register(exec)
	}
	return router, nil
}

func (c *ServeCmd) loadTriggers(ctx context.Context, registry *agent.Registry, srv *server.Server, router *flow.Router, scheduler *trigger.Scheduler, platforms map[string]trigger.Platform) error {
	dir := filepath.Join(c.Dir, "triggers")
	if !dirExists(dir) {
		return nil
	}
	resources, err := config.LoadDirectory(dir, config.KindTrigger)
	if err != nil {
		return err
	}
	for _, res := range resources {
		cfg, err := config.TriggerFromResource(res)
		if err != nil {
			return err
		}
		platform, err := trigger.NewPlatform(ctx, cfg)
		if err != nil {
			return err
		}
		handler, err := trigger.NewHandler(cfg, platform, registry,
			trigger.WithFlows(router),
			trigger.WithFleets(srv),
		)
		if err != nil {
			return err
		}

		if cfg.Platform == "schedule" {
			if _, err := scheduler.Add(cfg, handler); err != nil {
				return err
			}
			continue
		}
		srv.RegisterTrigger(cfg.Platform, handler)
		platforms[cfg.Platform] = platform
	}
	return nil
}

// watchAgents hot-reloads agent definitions on file changes. Replacement
// follows drain semantics: busy agents reject the reload.
func watchAgents(ctx context.Context, registry *agent.Registry, dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				ext := strings.ToLower(filepath.Ext(event.Name))
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				if name, err := registry.LoadFromFile(ctx, event.Name); err != nil {
					slog.Warn("agent reload failed", "file", event.Name, "error", err)
				} else {
					slog.Info("agent reloaded", "agent", name, "file", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("watch error", "error", err)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}

// platformNotifier adapts trigger platforms to the flow notifier surface.
type platformNotifier struct {
	platforms map[string]trigger.Platform
}

func (n *platformNotifier) PostMessage(ctx context.Context, platform, channel, message string) (string, error) {
	p, ok := n.platforms[platform]
	if !ok {
		return "", fmt.Errorf("no %s trigger configured to deliver messages", platform)
	}
	return p.PostMessage(ctx, channel, "", message)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
