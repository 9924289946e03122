package trigger

import (
	"regexp"
	"strings"
	"sync"
)

// Reaction sets for approval decisions.
var (
	approveReactions = map[string]bool{"white_check_mark": true, "+1": true, "heavy_check_mark": true}
	denyReactions    = map[string]bool{"x": true, "-1": true, "no_entry": true}
)

// ApprovalStore is the concurrent pending-approval map keyed by message ts.
type ApprovalStore struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
}

func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{pending: make(map[string]*PendingApproval)}
}

// Put stores a pending approval under its message ts.
func (s *ApprovalStore) Put(p *PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.MessageTS] = p
}

// Take removes and returns the pending approval for a ts. The entry is
// consumed; callers re-insert it when the reaction turns out not to decide.
func (s *ApprovalStore) Take(ts string) (*PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[ts]
	if ok {
		delete(s.pending, ts)
	}
	return p, ok
}

// Len reports the number of pending approvals.
func (s *ApprovalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

var (
	requiresApprovalPattern = regexp.MustCompile(`(?m)^\s*requires_approval:\s*true\s*$`)
	approvalCommandPattern  = regexp.MustCompile(`(?m)^\s*command:\s*"((?:[^"\\]|\\.)*)"`)
)

// ParseApprovalRequest extracts the command from an agent reply requesting
// approval. Both the requires_approval flag and a command line must appear.
func ParseApprovalRequest(text string) (command string, ok bool) {
	if !requiresApprovalPattern.MatchString(text) {
		return "", false
	}
	m := approvalCommandPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	command = strings.ReplaceAll(m[1], `\"`, `"`)
	return command, command != ""
}
