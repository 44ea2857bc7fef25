// Package harness runs consensus scenarios against an in-process cluster.
//
// A scenario starts one node per service, all sharing a LocalNetwork and a
// manual clock, then plays a flow of steps: batch submissions, clock
// advances, partitions and dropped messages. After every step the cluster is
// driven until no node has work left, so every run of a scenario produces
// the same trace.
//
// # Scenario Format
//
//	name: three_node_commit
//	description: "Every participant votes yes"
//	circuit: circ
//	services: [a, b, c]
//	vote_timeout: 10s
//	decision_timeout: 20s
//	reject: [c]
//	flow:
//	  - submit: v1
//	  - partition: c
//	  - drop: {message: Commit, to: b}
//	  - advance: 10s
//	  - heal: c
//	assertions:
//	  - type: decision
//	    service: b
//	    epoch: 1
//	    expect: COMMIT
//	  - type: trace_contains
//	    service: a
//	    event: "send b Commit{epoch=1}"
//
// The first service in sorted order is the coordinator; submissions go to
// it.
//
// # Assertion Types
//
//   - decision: the service recorded Expect (COMMIT or ABORT) for Epoch
//   - state: the service's current state kind is Expect, at Epoch if given
//   - trace_contains: some trace line of the service contains Event
//   - trace_order: Events appear in this order in the service's trace
//   - trace_count: exactly Count trace lines of the service contain Event
//
// # Golden Files
//
// RunWithGolden compares the final state and per-service traces against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
