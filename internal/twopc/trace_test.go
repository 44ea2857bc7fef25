package twopc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/scabbard/internal/ids"
)

type delivery struct {
	to    string
	event Event
}

// runCircuit drives a whole circuit to quiescence with an in-memory FIFO of
// deliveries. Vote notifications are answered with votes[process]. Each
// transition is rendered as one trace line followed by its actions.
func runCircuit(t *testing.T, alg Algorithm, processes []string, votes map[string]bool, value string) (map[string]Context, string) {
	t.Helper()

	contexts := make(map[string]Context, len(processes))
	for _, p := range processes {
		contexts[p] = NewContext(ids.New("circ", p), 1, processes)
	}
	coordinator := ids.SelectCoordinator(processes[0], processes)

	var trace strings.Builder
	queue := []delivery{{to: coordinator, event: Start([]byte(value))}}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		out := alg.Transition(contexts[d.to], d.event, t0)
		contexts[d.to] = out.Context

		fmt.Fprintf(&trace, "%s: %s -> %s\n", d.to, d.event, out.Context.State)
		for _, a := range out.Actions {
			fmt.Fprintf(&trace, "  %s\n", a)
			switch a.Kind {
			case ActionSendMessage:
				queue = append(queue, delivery{to: a.To, event: Deliver(d.to, a.Message)})
			case ActionNotify:
				queue = append(queue, delivery{to: d.to, event: Vote(votes[d.to])})
			}
		}
	}
	return contexts, trace.String()
}

func TestGolden_ThreeNodeCommit(t *testing.T) {
	votes := map[string]bool{"a": true, "b": true, "c": true}
	contexts, trace := runCircuit(t, testAlgorithm(), []string{"a", "b", "c"}, votes, "batch-1")

	for p, ctx := range contexts {
		if ctx.State.Kind != StateCommit {
			t.Errorf("%s ended in %s, want COMMIT", p, ctx.State)
		}
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "three_node_commit", []byte(trace))
}

func TestCircuit_ParticipantVotesNo(t *testing.T) {
	votes := map[string]bool{"a": true, "b": true, "c": false}
	contexts, _ := runCircuit(t, testAlgorithm(), []string{"a", "b", "c"}, votes, "batch-2")

	for p, ctx := range contexts {
		if ctx.State.Kind != StateAbort {
			t.Errorf("%s ended in %s, want ABORT", p, ctx.State)
		}
	}
}
