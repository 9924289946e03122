package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aofdev/aof/config"
)

func inlineAgent(name string, skills ...string) config.FleetAgent {
	return config.FleetAgent{
		Name:   name,
		Skills: skills,
		Inline: &config.AgentConfig{Name: name, Model: "test-model"},
	}
}

func testCoordinator(t *testing.T, agents ...config.FleetAgent) *Coordinator {
	t.Helper()
	cfg := &config.FleetConfig{
		Name:         "sre",
		Agents:       agents,
		Coordination: config.CoordinationConfig{Mode: config.ModeHierarchical, Manager: agents[0].Name},
	}
	c, err := NewCoordinator(cfg, nil)
	require.NoError(t, err)
	return c
}

// seedInstances registers idle instances without loading real agents.
func seedInstances(c *Coordinator, names ...string) []*Instance {
	for i, name := range names {
		c.instances = append(c.instances, &Instance{
			ID:        name + "-0",
			AgentName: name,
			Replica:   i,
			State:     InstanceIdle,
		})
	}
	return c.instances
}

func TestSubmitAndLookupTask(t *testing.T) {
	c := testCoordinator(t, inlineAgent("worker"))

	id := c.SubmitTaskWithOptions("check the pods", "diagnostics", []string{"kubernetes"})
	assert.Equal(t, 1, c.QueueLength())

	task, ok := c.Task(id)
	require.True(t, ok)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, "diagnostics", task.Type)
	assert.Equal(t, []string{"kubernetes"}, task.Skills)
	assert.Equal(t, 1, c.Snapshot().TasksSubmitted)

	_, ok = c.Task("no-such-task")
	assert.False(t, ok)
}

func TestRoundRobinCyclesInstances(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"), inlineAgent("b"))
	pool := seedInstances(c, "a", "b", "c")

	var picked []string
	for i := 0; i < 3; i++ {
		inst := c.selectInstance(newTask("t"), config.DistributionRoundRobin, pool)
		require.NotNil(t, inst)
		picked = append(picked, inst.AgentName)
		c.release(inst, false)
	}
	assert.Equal(t, []string{"a", "b", "c"}, picked)
}

func TestLeastLoadedPrefersColdInstance(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	pool := seedInstances(c, "a", "b")
	pool[0].TasksProcessed = 5

	inst := c.selectInstance(newTask("t"), config.DistributionLeastLoad, pool)
	require.NotNil(t, inst)
	assert.Equal(t, "b", inst.AgentName)
}

func TestStickyRoutesSameTypeToSameInstance(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	pool := seedInstances(c, "a", "b", "c", "d")

	task := newTask("t")
	task.Type = "billing"
	first := c.selectInstance(task, config.DistributionSticky, pool)
	require.NotNil(t, first)
	c.release(first, false)

	for i := 0; i < 5; i++ {
		task := newTask("t")
		task.Type = "billing"
		inst := c.selectInstance(task, config.DistributionSticky, pool)
		require.NotNil(t, inst)
		assert.Equal(t, first.ID, inst.ID)
		c.release(inst, false)
	}
}

func TestSkillBasedPicksBestOverlap(t *testing.T) {
	c := testCoordinator(t,
		inlineAgent("generalist"),
		inlineAgent("db-expert", "postgres", "redis"),
		inlineAgent("net-expert", "dns", "loadbalancer"),
	)
	pool := seedInstances(c, "generalist", "db-expert", "net-expert")

	task := newTask("t")
	task.Skills = []string{"postgres"}
	inst := c.selectInstance(task, config.DistributionSkillBased, pool)
	require.NotNil(t, inst)
	assert.Equal(t, "db-expert", inst.AgentName)
	c.release(inst, false)

	// No overlap: falls back to round-robin.
	task = newTask("t")
	task.Skills = []string{"quantum"}
	inst = c.selectInstance(task, config.DistributionSkillBased, pool)
	require.NotNil(t, inst)
}

func TestSelectMarksBusyAndReleaseRestoresIdle(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	pool := seedInstances(c, "a")

	inst := c.selectInstance(newTask("t"), config.DistributionRoundRobin, pool)
	require.NotNil(t, inst)
	assert.Equal(t, InstanceBusy, inst.State)

	c.release(inst, false)
	assert.Equal(t, InstanceIdle, inst.State)
	assert.Equal(t, 1, inst.TasksProcessed)

	inst = c.selectInstance(newTask("t"), config.DistributionRoundRobin, pool)
	c.release(inst, true)
	assert.Equal(t, InstanceFailed, inst.State)
}

func TestSelectFallsBackToBusyPool(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	pool := seedInstances(c, "a")
	pool[0].State = InstanceBusy

	inst := c.selectInstance(newTask("t"), config.DistributionRoundRobin, pool)
	require.NotNil(t, inst)
	assert.Equal(t, "a", inst.AgentName)

	assert.Nil(t, c.selectInstance(newTask("t"), config.DistributionRoundRobin, nil))
}

func TestPauseBlocksDispatch(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	c.status = StatusReady
	c.SubmitTask("work")

	c.Pause()
	assert.Equal(t, StatusPaused, c.Status())
	_, err := c.ExecuteNext(t.Context())
	require.Error(t, err)

	c.Resume()
	assert.Equal(t, StatusReady, c.Status())
}

func TestStopCancelsQueuedTasks(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	c.status = StatusReady
	seedInstances(c, "a")
	id := c.SubmitTask("never runs")

	c.Stop()
	assert.Equal(t, StatusShuttingDown, c.Status())
	assert.Zero(t, c.QueueLength())

	task, ok := c.Task(id)
	require.True(t, ok)
	assert.Equal(t, TaskCancelled, task.Status)
	for _, inst := range c.instances {
		assert.Equal(t, InstanceStopped, inst.State)
	}
}

func TestExecuteNextEmptyQueue(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	c.status = StatusReady
	task, err := c.ExecuteNext(t.Context())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestStableHashIsDeterministic(t *testing.T) {
	assert.Equal(t, stableHash("billing"), stableHash("billing"))
	assert.NotEqual(t, stableHash("billing"), stableHash("reports"))
}

func TestStartRejectsDoubleStart(t *testing.T) {
	c := testCoordinator(t, inlineAgent("a"))
	c.status = StatusReady
	err := c.Start(t.Context())
	require.Error(t, err)
}
