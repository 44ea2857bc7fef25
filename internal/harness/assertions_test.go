package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.State["a"] = ServiceState{
		Epoch:   2,
		State:   "COMMIT",
		History: []string{"epoch=1 ABORT ", "epoch=2 COMMIT v2"},
		Trace: []string{
			"0s send b VoteRequest{epoch=1, value=\"v1\"}",
			"0s vote epoch=1 yes",
			"10s send b Abort{epoch=1}",
			"10s abort epoch=1 value=v1",
		},
	}
	return r
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		pass      bool
	}{
		{"decision found", Assertion{Type: AssertDecision, Service: "a", Epoch: 2, Expect: "COMMIT"}, true},
		{"decision with empty value", Assertion{Type: AssertDecision, Service: "a", Epoch: 1, Expect: "ABORT"}, true},
		{"decision differs", Assertion{Type: AssertDecision, Service: "a", Epoch: 1, Expect: "COMMIT"}, false},
		{"decision missing", Assertion{Type: AssertDecision, Service: "a", Epoch: 3, Expect: "COMMIT"}, false},
		{"state", Assertion{Type: AssertState, Service: "a", Expect: "COMMIT"}, true},
		{"state at epoch", Assertion{Type: AssertState, Service: "a", Epoch: 2, Expect: "COMMIT"}, true},
		{"state at wrong epoch", Assertion{Type: AssertState, Service: "a", Epoch: 1, Expect: "COMMIT"}, false},
		{"contains", Assertion{Type: AssertTraceContains, Service: "a", Event: "send b Abort"}, true},
		{"does not contain", Assertion{Type: AssertTraceContains, Service: "a", Event: "commit"}, false},
		{"order", Assertion{Type: AssertTraceOrder, Service: "a", Events: []string{"VoteRequest", "vote", "abort"}}, true},
		{"order with gaps", Assertion{Type: AssertTraceOrder, Service: "a", Events: []string{"VoteRequest", "abort epoch"}}, true},
		{"wrong order", Assertion{Type: AssertTraceOrder, Service: "a", Events: []string{"abort epoch", "VoteRequest"}}, false},
		{"count", Assertion{Type: AssertTraceCount, Service: "a", Event: "send b", Count: 2}, true},
		{"count zero", Assertion{Type: AssertTraceCount, Service: "a", Event: "commit", Count: 0}, true},
		{"count mismatch", Assertion{Type: AssertTraceCount, Service: "a", Event: "send b", Count: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluate(sampleResult(), tt.assertion)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.assertion.Type, ae.Type)
		})
	}
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 occurrences",
		Actual:   "1 occurrences",
		Trace:    []string{"0s vote epoch=1 yes"},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 2 occurrences")
	assert.Contains(t, msg, "Actual: 1 occurrences")
	assert.Contains(t, msg, "[1] 0s vote epoch=1 yes")
}
