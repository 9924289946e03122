package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"1.5h", 90 * time.Minute},
		{"  10s  ", 10 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "30", "5 minutes", "-1s", "abc"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseResourceEnvelope(t *testing.T) {
	doc := []byte(`
apiVersion: aof.dev/v1
kind: Agent
metadata:
  name: sre-helper
spec:
  model: anthropic:claude-sonnet
  description: investigates incidents
`)
	res, err := ParseResource(doc)
	require.NoError(t, err)
	assert.Equal(t, KindAgent, res.Kind)
	assert.Equal(t, "sre-helper", res.Metadata.Name)

	cfg, err := AgentFromResource(res)
	require.NoError(t, err)
	assert.Equal(t, "sre-helper", cfg.Name) // name falls back to metadata
	assert.Equal(t, "anthropic:claude-sonnet", cfg.Model)
}

func TestParseResourceLegacyFlatAgent(t *testing.T) {
	doc := []byte(`
name: legacy-agent
model: test-model
`)
	res, err := ParseResource(doc)
	require.NoError(t, err)
	assert.Equal(t, KindAgent, res.Kind)
	assert.Equal(t, "legacy-agent", res.Metadata.Name)

	cfg, err := AgentFromResource(res)
	require.NoError(t, err)
	assert.Equal(t, "test-model", cfg.Model)
}

func TestParseResourceRejectsBadEnvelopes(t *testing.T) {
	cases := map[string]string{
		"wrong apiVersion": "apiVersion: aof.dev/v2\nkind: Agent\nmetadata:\n  name: a\n",
		"unknown kind":     "kind: Robot\nmetadata:\n  name: a\n",
		"missing name":     "kind: Agent\nmetadata: {}\n",
		"no kind no name":  "description: just text\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResource([]byte(doc))
			require.Error(t, err)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestEmitResourceRoundTrip(t *testing.T) {
	cfg := &WorkflowConfig{
		Name:       "release",
		Entrypoint: "sign_off",
		Steps: []StepConfig{
			{
				Name: "sign_off", Type: StepApproval,
				Next: Next{Targets: []NextTarget{
					{Condition: "approved", Target: "ship"},
					{Condition: "rejected", Target: "abort"},
				}},
			},
			{Name: "ship", Type: StepTerminal},
			{Name: "abort", Type: StepTerminal, Status: "failed"},
		},
		Reducers: map[string]Reducer{"findings": ReducerAppend},
	}

	data, err := EmitResource(KindWorkflow, "release", cfg)
	require.NoError(t, err)

	res, err := ParseResource(data)
	require.NoError(t, err)
	got, err := WorkflowFromResource(res)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.Entrypoint, got.Entrypoint)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, cfg.Steps[0].Next.Targets, got.Steps[0].Next.Targets)
	assert.Equal(t, ReducerAppend, got.Reducers["findings"])
}

func TestNextScalarAndListForms(t *testing.T) {
	doc := []byte(`
kind: Workflow
metadata:
  name: wf
spec:
  entrypoint: a
  steps:
    - name: a
      type: approval
      next: b
    - name: b
      type: approval
      next:
        - condition: approved
          target: c
        - target: c
    - name: c
      type: terminal
`)
	res, err := ParseResource(doc)
	require.NoError(t, err)
	cfg, err := WorkflowFromResource(res)
	require.NoError(t, err)

	stepA, _ := cfg.Step("a")
	require.Len(t, stepA.Next.Targets, 1)
	assert.Equal(t, "b", stepA.Next.Targets[0].Target)
	assert.Empty(t, stepA.Next.Targets[0].Condition)

	stepB, _ := cfg.Step("b")
	require.Len(t, stepB.Next.Targets, 2)
	assert.Equal(t, "approved", stepB.Next.Targets[0].Condition)
}

func TestLoadDirectoryFiltersByKind(t *testing.T) {
	dir := t.TempDir()
	write := func(name, doc string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	write("agent.yaml", "kind: Agent\nmetadata:\n  name: helper\nspec:\n  model: m\n")
	write("trigger.yaml", "kind: Trigger\nmetadata:\n  name: ops\nspec:\n  platform: slack\n")
	write("notes.txt", "not yaml")

	agents, err := LoadDirectory(dir, KindAgent)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	_, ok := agents["helper"]
	assert.True(t, ok)

	triggers, err := LoadDirectory(dir, KindTrigger)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestLoadDirectoryRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	doc := "kind: Agent\nmetadata:\n  name: helper\nspec:\n  model: m\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(doc), 0o644))

	_, err := LoadDirectory(dir, KindAgent)
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("AOF_TEST_TOKEN", "tok-123")

	assert.Equal(t, "Bearer tok-123", ExpandEnv("Bearer ${AOF_TEST_TOKEN}"))
	assert.Equal(t, "", ExpandEnv("${AOF_TEST_UNSET_VAR}"))
	assert.Equal(t, "plain", ExpandEnv("plain"))

	m := map[string]string{"token": "${AOF_TEST_TOKEN}", "static": "v"}
	ExpandEnvMap(m)
	assert.Equal(t, "tok-123", m["token"])
	assert.Equal(t, "v", m["static"])
}

func TestTriggerValidateExpandsCredentials(t *testing.T) {
	t.Setenv("AOF_TEST_SECRET", "shh")
	cfg := &TriggerConfig{
		Name:        "ops",
		Platform:    "slack",
		Credentials: map[string]string{"signing_secret": "${AOF_TEST_SECRET}"},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "shh", cfg.Credentials["signing_secret"])

	bad := &TriggerConfig{
		Name: "ops", Platform: "slack",
		Commands: map[string]CommandBinding{"go": {Kind: "rocket", Target: "x"}},
	}
	require.Error(t, bad.Validate())
}

func TestAgentApplyDefaults(t *testing.T) {
	cfg := &AgentConfig{Name: "a", Model: "m"}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, DefaultMaxContextMessages, cfg.MaxContextMessages)
}
