package rules

import "testing"

func TestNewRuleDefaultCheckerCompletesAfterFirstMatch(t *testing.T) {
	r, err := NewRule("r", PriorityDefault, []*Matcher{{Kind: MatcherMethod, Method: "GET"}},
		nil, []*Step{{Kind: StepReply, Reply: &ReplyDescriptor{StatusCode: 200}}}, false, 10)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	if !r.IsPending() {
		t.Fatal("fresh rule should be pending")
	}
	r.MarkCompletedIfDone()
	if r.IsPending() {
		t.Fatal("a rule with no explicit completion checker should complete after its first match")
	}
}
