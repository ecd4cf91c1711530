package rules

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Priority bands. Larger wins; FIFO inside a band (spec.md §3).
const (
	PriorityFallback = -100
	PriorityDefault  = 0
	PriorityHigh     = 100
)

// Rule is a matcher/step pipeline installed into an Engine.
type Rule struct {
	ID                string
	Priority          int
	Matchers          []*Matcher
	CompletionChecker *CompletionChecker
	Steps             []*Step
	RecordTraffic     bool

	SeenRequests *SeenRequestsRing

	completed atomic.Bool
}

// NewRule validates and constructs a Rule. A zero-value id gets a fresh
// UUID; matchers/steps must both be non-empty (spec.md §3's invariant).
func NewRule(id string, priority int, matchers []*Matcher, checker *CompletionChecker, steps []*Step, recordTraffic bool, ringCapacity int) (*Rule, error) {
	if len(matchers) == 0 {
		return nil, fmt.Errorf("rules: rule must have at least one matcher")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("rules: rule must have at least one step")
	}
	for _, m := range matchers {
		if err := m.Compile(); err != nil {
			return nil, err
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	if checker == nil {
		// mockttp's ground-truth behaviour: a rule with no explicit
		// completion checker is done after its first match, not
		// perpetually pending (spec.md §8 scenario 2).
		checker = NewCompletionChecker(CompletionOnce, 0)
	}
	if ringCapacity <= 0 {
		ringCapacity = 100
	}
	return &Rule{
		ID:                id,
		Priority:          priority,
		Matchers:          matchers,
		CompletionChecker: checker,
		Steps:             steps,
		RecordTraffic:     recordTraffic,
		SeenRequests:      NewSeenRequestsRing(ringCapacity),
	}, nil
}

// IsPending reports whether the rule's completion checker still
// considers it available to match (spec.md §4.3's pending-preference
// tie-break).
func (r *Rule) IsPending() bool {
	return !r.completed.Load()
}

// MarkCompletedIfDone consults the completion checker after a commit
// and flips the rule to completed if it reports done. A completed rule
// is never removed from the list — only deprioritized in selection.
func (r *Rule) MarkCompletedIfDone() {
	r.CompletionChecker.RecordHit()
	if r.CompletionChecker.Done() {
		r.completed.Store(true)
	}
}
