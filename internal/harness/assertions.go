package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Trace    []string // Trace of the asserted service
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nService trace:\n")
		for i, line := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

func evaluate(result *Result, a Assertion) error {
	state := result.State[a.Service]
	switch a.Type {
	case AssertDecision:
		return assertDecision(state, a)
	case AssertState:
		return assertState(state, a)
	case AssertTraceContains:
		return assertTraceContains(state.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(state.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(state.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertDecision checks the commit history of the service for the epoch.
func assertDecision(state ServiceState, a Assertion) error {
	prefix := fmt.Sprintf("epoch=%d ", a.Epoch)
	for _, entry := range state.History {
		if !strings.HasPrefix(entry, prefix) {
			continue
		}
		if strings.HasPrefix(entry, prefix+a.Expect+" ") {
			return nil
		}
		return &AssertionError{
			Type:     AssertDecision,
			Expected: fmt.Sprintf("%s %s at epoch %d", a.Service, a.Expect, a.Epoch),
			Actual:   entry,
			Trace:    state.Trace,
		}
	}
	return &AssertionError{
		Type:     AssertDecision,
		Expected: fmt.Sprintf("%s %s at epoch %d", a.Service, a.Expect, a.Epoch),
		Actual:   "no decision recorded",
		Trace:    state.Trace,
	}
}

func assertState(state ServiceState, a Assertion) error {
	if state.State == a.Expect && (a.Epoch == 0 || state.Epoch == a.Epoch) {
		return nil
	}
	expected := a.Expect
	if a.Epoch != 0 {
		expected = fmt.Sprintf("%s at epoch %d", a.Expect, a.Epoch)
	}
	return &AssertionError{
		Type:     AssertState,
		Expected: expected,
		Actual:   fmt.Sprintf("%s at epoch %d", state.State, state.Epoch),
		Trace:    state.Trace,
	}
}

// assertTraceContains checks that some trace line contains the event.
func assertTraceContains(trace []string, a Assertion) error {
	for _, line := range trace {
		if strings.Contains(line, a.Event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s: %q", a.Service, a.Event),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that events appear in the specified order.
// Events don't need to be consecutive (intervening lines are allowed).
func assertTraceOrder(trace []string, a Assertion) error {
	next := 0
	for _, line := range trace {
		if next < len(a.Events) && strings.Contains(line, a.Events[next]) {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("%s: %q in order", a.Service, a.Events),
		Actual:   fmt.Sprintf("%q not found after %q", a.Events[next], a.Events[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count lines contain the event.
func assertTraceCount(trace []string, a Assertion) error {
	count := 0
	for _, line := range trace {
		if strings.Contains(line, a.Event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %q", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}
