// Package twopc implements the two-phase-commit consensus state machine.
//
// The state machine is a pure function:
//
//	Algorithm.Transition(context, event, now) -> Outcome{context, actions, alarm}
//
// It never touches storage, the network, or the clock. Time enters only as the
// now argument, so re-applying an event to the same pre-transition context at
// the same instant yields an identical outcome. That property is what makes
// crash-before-commit retries in the runner safe.
//
// ROLES:
//
// The coordinator of a circuit is the lexicographically smallest service name
// among the peers and this process (see ids.SelectCoordinator). Every other
// service is a participant. A circuit with no peers collapses both roles into
// one: the coordinator's own vote completes the round.
//
// COORDINATOR:
//
//	WaitingForStart --Start(v)--> Voting --all votes true--> Commit
//	                                     --any false/timeout--> Abort
//
// PARTICIPANT:
//
//	WaitingForVoteRequest --VoteRequest--> WaitingForVote --Vote(b)--> Voted
//	Voted --Commit--> Commit
//	Voted --Abort--> Abort
//	Voted --Alarm (decision timeout)--> Voted (DecisionRequest sent)
//
// Events that do not fit the current state are dropped: the Outcome carries
// the unchanged context and a Dropped reason for the caller to log. Dropping
// is never an error because persisted actions are redelivered at least once.
package twopc
