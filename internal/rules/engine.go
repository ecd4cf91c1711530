package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
)

// Engine holds a priority-ordered rule list and selects the matching
// rule for each request. The list is published copy-on-write: Select
// always reads a single atomic snapshot, so concurrent AddRules/SetRules
// calls never tear a match pass in half (spec.md §5: "mutations to the
// rule list ... publish a new snapshot atomically").
//
// Grounded on the pack's ctrlai/internal/engine.Engine, which holds its
// rule slice behind a sync.RWMutex for the same concurrent
// evaluate-while-reloading shape; this Engine swaps to an atomic.Pointer
// instead since spec.md calls the publication itself copy-on-write
// rather than reader/writer locked.
type Engine struct {
	snapshot atomic.Pointer[[]*Rule]

	mu sync.Mutex // serializes writers; readers never block on this

	suggestChanges atomic.Bool
}

// NewEngine builds an empty engine. suggestChanges defaults to true
// (spec.md §4.3 item 3's default listing behaviour); use
// SetSuggestChanges to turn it off.
func NewEngine() *Engine {
	e := &Engine{}
	empty := []*Rule{}
	e.snapshot.Store(&empty)
	e.suggestChanges.Store(true)
	return e
}

// SetSuggestChanges controls whether Select's 503 diagnostic body lists
// the configured rules and their example matchers, or just the failed
// request (spec.md §4.3 item 3: "unless suggestChanges=false").
func (e *Engine) SetSuggestChanges(v bool) {
	e.suggestChanges.Store(v)
}

// Rules returns the current snapshot, highest priority first.
func (e *Engine) Rules() []*Rule {
	return *e.snapshot.Load()
}

// AddRules appends rules to the current list and republishes, sorted by
// descending priority with FIFO order preserved inside a priority band
// (a stable sort accomplishes this since rules are appended in the
// order the caller supplied them).
func (e *Engine) AddRules(newRules ...*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.snapshot.Load()
	merged := make([]*Rule, 0, len(current)+len(newRules))
	merged = append(merged, current...)
	merged = append(merged, newRules...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority > merged[j].Priority
	})
	e.snapshot.Store(&merged)
}

// SetRules replaces the entire list.
func (e *Engine) SetRules(newRules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make([]*Rule, len(newRules))
	copy(merged, newRules)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority > merged[j].Priority
	})
	e.snapshot.Store(&merged)
}

// Remove drops the rule with the given id, if present.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.snapshot.Load()
	filtered := make([]*Rule, 0, len(current))
	for _, r := range current {
		if r.ID != id {
			filtered = append(filtered, r)
		}
	}
	e.snapshot.Store(&filtered)
}

// Select runs spec.md §4.3's matching algorithm against req over a
// single consistent snapshot of the rule list: build the candidate set
// by evaluating every matcher per rule (short-circuiting on first
// failure, callback matchers last), then prefer pending candidates over
// completed ones. Among pending candidates the first by priority/order
// wins; once every matching rule has completed, selection falls back to
// the *last* matching rule (mockttp's ground-truth behaviour spec.md §8
// scenario 2 encodes), not the first.
func (e *Engine) Select(req *httpwire.Request) (*Rule, error) {
	snapshot := *e.snapshot.Load()

	var pendingCandidate, completedCandidate *Rule
	for _, rule := range snapshot {
		ok, err := ruleMatches(rule, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if rule.IsPending() {
			pendingCandidate = rule
			break
		}
		completedCandidate = rule
	}

	if pendingCandidate != nil {
		return pendingCandidate, nil
	}
	if completedCandidate != nil {
		return completedCandidate, nil
	}
	return nil, relayerr.New(relayerr.NoMatchingRule, diagnosticMessage(req, snapshot, e.suggestChanges.Load()))
}

// ruleMatches evaluates every matcher on rule against req, running
// callback matchers last regardless of their position in Matchers (the
// "callback matchers run last per rule" ordering spec.md §4.3 names).
func ruleMatches(rule *Rule, req *httpwire.Request) (bool, error) {
	var callbacks []*Matcher
	for _, m := range rule.Matchers {
		if m.Kind == MatcherCallback {
			callbacks = append(callbacks, m)
			continue
		}
		ok, err := m.Match(req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, m := range callbacks {
		ok, err := m.Match(req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// diagnosticMessage builds the human-readable 503 body spec.md §4.3
// requires when no rule matches: the request that failed to match and,
// unless suggestChanges is false, a listing of configured rules.
func diagnosticMessage(req *httpwire.Request, snapshot []*Rule, suggestChanges bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "no rule matched %s %s\n", req.Method, req.URL)
	if cl := req.RawHeaders.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil {
			fmt.Fprintf(&b, "request body: %s\n", humanize.Bytes(n))
		}
	}
	if !suggestChanges {
		return b.String()
	}
	if len(snapshot) == 0 {
		b.WriteString("no rules are configured")
		return b.String()
	}
	b.WriteString("configured rules:\n")
	for _, r := range snapshot {
		fmt.Fprintf(&b, "  - %s (priority=%d, pending=%v, matchers=%d)\n", r.ID, r.Priority, r.IsPending(), len(r.Matchers))
		for _, m := range r.Matchers {
			fmt.Fprintf(&b, "      matcher: %s %s\n", m.Kind, m.exampleSummary())
		}
	}
	return b.String()
}
