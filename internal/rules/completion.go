package rules

import "sync/atomic"

// CompletionKind identifies a CompletionChecker's tagged variant.
type CompletionKind string

const (
	CompletionTimes  CompletionKind = "times"
	CompletionOnce   CompletionKind = "once"
	CompletionTwice  CompletionKind = "twice"
	CompletionThrice CompletionKind = "thrice"
	CompletionAlways CompletionKind = "always"
)

// CompletionChecker tracks whether a rule is still pending. CompletionAlways
// never completes, so a rule built with it stays available to match forever;
// NewRule instead defaults a rule with no explicit checker to CompletionOnce
// (done after its first match), the ground-truth mockttp behaviour spec.md
// §8 scenario 2 encodes.
type CompletionChecker struct {
	Kind  CompletionKind
	Times int // required count for CompletionTimes

	hits atomic.Int64
}

// NewCompletionChecker builds a checker for kind, with n used only when
// kind is CompletionTimes.
func NewCompletionChecker(kind CompletionKind, n int) *CompletionChecker {
	return &CompletionChecker{Kind: kind, Times: n}
}

// RecordHit is called once the rule's terminal step has committed a
// response. It's the only thing that advances the checker's hit count.
func (c *CompletionChecker) RecordHit() {
	c.hits.Add(1)
}

// Done reports whether the rule should now be considered completed.
func (c *CompletionChecker) Done() bool {
	switch c.Kind {
	case CompletionAlways, "":
		return false
	case CompletionOnce:
		return c.hits.Load() >= 1
	case CompletionTwice:
		return c.hits.Load() >= 2
	case CompletionThrice:
		return c.hits.Load() >= 3
	case CompletionTimes:
		return c.hits.Load() >= int64(c.Times)
	default:
		return false
	}
}
