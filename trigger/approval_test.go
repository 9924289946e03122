package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalStoreTakeConsumes(t *testing.T) {
	s := NewApprovalStore()
	s.Put(&PendingApproval{MessageTS: "171.001", Command: "kubectl rollout restart deploy/api"})
	assert.Equal(t, 1, s.Len())

	p, ok := s.Take("171.001")
	require.True(t, ok)
	assert.Equal(t, "kubectl rollout restart deploy/api", p.Command)
	assert.Zero(t, s.Len())

	_, ok = s.Take("171.001")
	assert.False(t, ok)

	// Non-decision reactions re-insert the entry.
	s.Put(p)
	assert.Equal(t, 1, s.Len())
}

func TestParseApprovalRequest(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		command string
		ok      bool
	}{
		{
			"flag and command",
			"I can do that.\nrequires_approval: true\ncommand: \"kubectl delete pod api-0\"\n",
			"kubectl delete pod api-0",
			true,
		},
		{
			"indented yaml block",
			"```yaml\n  requires_approval: true\n  command: \"rm -rf /tmp/build\"\n```",
			"rm -rf /tmp/build",
			true,
		},
		{
			"escaped quotes in command",
			"requires_approval: true\ncommand: \"echo \\\"hello\\\"\"",
			`echo "hello"`,
			true,
		},
		{"flag without command", "requires_approval: true\nno command here", "", false},
		{"command without flag", "command: \"ls\"", "", false},
		{"flag false", "requires_approval: false\ncommand: \"ls\"", "", false},
		{"empty command", "requires_approval: true\ncommand: \"\"", "", false},
		{"plain reply", "The pods are healthy.", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, ok := ParseApprovalRequest(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.command, command)
		})
	}
}

func TestReactionVocabulary(t *testing.T) {
	for _, emoji := range []string{"white_check_mark", "+1", "heavy_check_mark"} {
		assert.True(t, approveReactions[emoji], emoji)
	}
	for _, emoji := range []string{"x", "-1", "no_entry"} {
		assert.True(t, denyReactions[emoji], emoji)
	}
	assert.False(t, approveReactions["eyes"])
	assert.False(t, denyReactions["eyes"])
}
