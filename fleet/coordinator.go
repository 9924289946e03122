package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/aofdev/aof/agent"
	"github.com/aofdev/aof/config"
)

// AgentPool is the slice of the agent registry the coordinator needs:
// loading fleet members and executing them by name. *agent.Registry
// implements it.
type AgentPool interface {
	Get(name string) (*agent.Executor, bool)
	Execute(ctx context.Context, name, input string) (string, error)
	LoadFromConfig(ctx context.Context, cfg *config.AgentConfig) (string, error)
	LoadFromFile(ctx context.Context, path string) (string, error)
}

// Coordinator owns one fleet's state: its instances, task queue, and
// completed-task log. The lock is never held across an agent execution.
type Coordinator struct {
	cfg    *config.FleetConfig
	agents AgentPool
	logger *slog.Logger

	mu         sync.Mutex
	status     Status
	instances  []*Instance
	queue      []*Task
	completed  []*Task
	metrics    Metrics
	roundRobin int
}

// NewCoordinator validates the fleet config and builds a coordinator over
// the given agent pool.
func NewCoordinator(cfg *config.FleetConfig, agents AgentPool) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:    cfg,
		agents: agents,
		status: StatusInitializing,
		logger: slog.Default().With("fleet", cfg.Name),
	}, nil
}

// Name returns the fleet name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// Status reads the fleet status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start loads each fleet agent into the registry once per name and creates
// its replica instance entries.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusInitializing {
		c.mu.Unlock()
		return NewFleetError(c.cfg.Name, "Start", fmt.Sprintf("fleet is %s", c.status), nil)
	}
	c.mu.Unlock()

	for i := range c.cfg.Agents {
		member := &c.cfg.Agents[i]
		if err := c.loadMember(ctx, member); err != nil {
			c.mu.Lock()
			c.status = StatusInitializing
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		for r := 0; r < member.Replicas; r++ {
			c.instances = append(c.instances, &Instance{
				ID:        fmt.Sprintf("%s-%d", member.Name, r),
				AgentName: member.Name,
				Replica:   r,
				State:     InstanceIdle,
			})
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.status = StatusReady
	c.metrics.StartedAt = time.Now()
	c.mu.Unlock()
	c.logger.Info("fleet started",
		"mode", c.cfg.Coordination.Mode, "agents", len(c.cfg.Agents), "instances", len(c.instances))
	return nil
}

func (c *Coordinator) loadMember(ctx context.Context, member *config.FleetAgent) error {
	if _, ok := c.agents.Get(member.Name); ok {
		return nil
	}
	if member.Inline != nil {
		_, err := c.agents.LoadFromConfig(ctx, member.Inline)
		return err
	}
	name, err := c.agents.LoadFromFile(ctx, member.ConfigRef)
	if err != nil {
		return err
	}
	if name != member.Name {
		return NewFleetError(c.cfg.Name, "Start",
			fmt.Sprintf("config %s declares agent %q, fleet expects %q", member.ConfigRef, name, member.Name), nil)
	}
	return nil
}

// Stop cancels queued tasks and marks all instances stopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusShuttingDown
	for _, t := range c.queue {
		t.Status = TaskCancelled
		t.CompletedAt = time.Now()
		c.completed = append(c.completed, t)
	}
	c.queue = nil
	for _, inst := range c.instances {
		inst.State = InstanceStopped
	}
}

// Pause suspends dispatch; queued tasks are retained.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusActive || c.status == StatusReady {
		c.status = StatusPaused
	}
}

// Resume reverses Pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPaused {
		c.status = StatusReady
	}
}

// SubmitTask queues one task and returns its id.
func (c *Coordinator) SubmitTask(input string) string {
	return c.SubmitTaskWithOptions(input, "", nil)
}

// SubmitTaskWithOptions queues a task with a type (for sticky routing) and
// skill labels (for skill-based routing).
func (c *Coordinator) SubmitTaskWithOptions(input, taskType string, skills []string) string {
	task := newTask(input)
	task.Type = taskType
	task.Skills = skills

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, task)
	c.metrics.TasksSubmitted++
	return task.ID
}

// Task returns a submitted task by id.
func (c *Coordinator) Task(id string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.queue {
		if t.ID == id {
			return t, true
		}
	}
	for _, t := range c.completed {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// QueueLength reports the number of pending tasks.
func (c *Coordinator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Snapshot returns the fleet's metrics.
func (c *Coordinator) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// ExecuteNext dequeues one task and dispatches it per the coordination
// mode. Returns nil when the queue is empty.
func (c *Coordinator) ExecuteNext(ctx context.Context) (*Task, error) {
	c.mu.Lock()
	if c.status == StatusPaused || c.status == StatusShuttingDown {
		c.mu.Unlock()
		return nil, NewFleetError(c.cfg.Name, "ExecuteNext", fmt.Sprintf("fleet is %s", c.status), nil)
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	task := c.queue[0]
	c.queue = c.queue[1:]
	task.Status = TaskRunning
	task.StartedAt = time.Now()
	c.status = StatusActive
	c.mu.Unlock()

	var err error
	switch c.cfg.Coordination.Mode {
	case config.ModeHierarchical:
		err = c.runHierarchical(ctx, task, true, c.cfg.Coordination.Distribution)
	case config.ModeSwarm:
		err = c.runHierarchical(ctx, task, false, config.DistributionLeastLoad)
	case config.ModePeer:
		err = c.runPeer(ctx, task)
	case config.ModePipeline:
		err = c.runPipeline(ctx, task)
	case config.ModeTiered:
		err = c.runTiered(ctx, task)
	default:
		err = NewFleetError(c.cfg.Name, "ExecuteNext",
			fmt.Sprintf("unknown coordination mode %q", c.cfg.Coordination.Mode), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	task.CompletedAt = time.Now()
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		c.metrics.TasksFailed++
	} else {
		task.Status = TaskCompleted
		c.metrics.TasksCompleted++
	}
	c.completed = append(c.completed, task)
	if len(c.queue) == 0 && c.status == StatusActive {
		c.status = StatusReady
	}
	return task, err
}

// selectInstance picks an idle instance from the candidates per the
// distribution strategy and marks it busy. Caller must release it.
func (c *Coordinator) selectInstance(task *Task, dist config.TaskDistribution, candidates []*Instance) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	idle := make([]*Instance, 0, len(candidates))
	for _, inst := range candidates {
		if inst.State == InstanceIdle {
			idle = append(idle, inst)
		}
	}
	pool := idle
	if len(pool) == 0 {
		// All busy; logical instances still accept work since the registry
		// serialises nothing.
		pool = candidates
	}
	if len(pool) == 0 {
		return nil
	}

	var chosen *Instance
	switch dist {
	case config.DistributionLeastLoad:
		chosen = pool[0]
		for _, inst := range pool[1:] {
			if inst.TasksProcessed < chosen.TasksProcessed {
				chosen = inst
			}
		}
	case config.DistributionRandom:
		chosen = pool[rand.Intn(len(pool))]
	case config.DistributionSkillBased:
		chosen = c.bySkills(task, pool)
	case config.DistributionSticky:
		chosen = pool[stableHash(task.Type)%uint32(len(pool))]
	default: // round-robin
		chosen = pool[c.roundRobin%len(pool)]
		c.roundRobin++
	}

	chosen.State = InstanceBusy
	return chosen
}

// bySkills matches task skill labels against member skills, falling back to
// round-robin when nothing matches.
func (c *Coordinator) bySkills(task *Task, pool []*Instance) *Instance {
	var best *Instance
	bestScore := 0
	for _, inst := range pool {
		member := c.member(inst.AgentName)
		if member == nil {
			continue
		}
		score := 0
		for _, want := range task.Skills {
			for _, have := range member.Skills {
				if want == have {
					score++
				}
			}
		}
		if score > bestScore {
			best = inst
			bestScore = score
		}
	}
	if best != nil {
		return best
	}
	chosen := pool[c.roundRobin%len(pool)]
	c.roundRobin++
	return chosen
}

// release returns an instance to idle and bumps its counter.
func (c *Coordinator) release(inst *Instance, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst.TasksProcessed++
	if failed {
		inst.State = InstanceFailed
		return
	}
	if inst.State == InstanceBusy {
		inst.State = InstanceIdle
	}
}

func (c *Coordinator) member(name string) *config.FleetAgent {
	for i := range c.cfg.Agents {
		if c.cfg.Agents[i].Name == name {
			return &c.cfg.Agents[i]
		}
	}
	return nil
}

// instancesOf returns instances filtered by a member predicate.
func (c *Coordinator) instancesOf(keep func(*config.FleetAgent) bool) []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Instance
	for _, inst := range c.instances {
		member := c.member(inst.AgentName)
		if member != nil && keep(member) {
			out = append(out, inst)
		}
	}
	return out
}

func stableHash(s string) uint32 {
	// FNV-1a.
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
