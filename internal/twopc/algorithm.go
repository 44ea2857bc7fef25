package twopc

import (
	"fmt"
	"time"
)

const (
	// DefaultVoteTimeout bounds how long the coordinator waits for votes.
	DefaultVoteTimeout = 30 * time.Second

	// DefaultDecisionTimeout is how long a participant waits for the
	// decision before asking the coordinator again.
	DefaultDecisionTimeout = 30 * time.Second
)

// Algorithm is the two-phase-commit transition function. Its timeouts are
// configuration, not state: they are applied to the timestamps the context
// records.
type Algorithm struct {
	VoteTimeout     time.Duration
	DecisionTimeout time.Duration
}

// New returns an Algorithm, substituting defaults for non-positive timeouts.
func New(voteTimeout, decisionTimeout time.Duration) Algorithm {
	if voteTimeout <= 0 {
		voteTimeout = DefaultVoteTimeout
	}
	if decisionTimeout <= 0 {
		decisionTimeout = DefaultDecisionTimeout
	}
	return Algorithm{VoteTimeout: voteTimeout, DecisionTimeout: decisionTimeout}
}

// Outcome is the result of one transition.
//
// Alarm is the wake-up time the epoch needs after this transition, or nil
// when no alarm should be armed. Dropped is non-empty when the event did not
// apply; Context is then the unchanged input and Actions is empty.
type Outcome struct {
	Context Context
	Actions []Action
	Alarm   *time.Time
	Dropped string
}

// IsDropped reports whether the event was ignored.
func (o Outcome) IsDropped() bool {
	return o.Dropped != ""
}

// Transition applies event to ctx at now. It is total: every (context,
// event) pair yields an Outcome, and the input context is never modified.
func (a Algorithm) Transition(ctx Context, event Event, now time.Time) Outcome {
	if event.Kind == EventDeliver && event.Message.Epoch != ctx.Epoch {
		return a.drop(ctx, "message epoch %d does not match context epoch %d", event.Message.Epoch, ctx.Epoch)
	}
	if ctx.IsCoordinator() {
		return a.coordinator(ctx, event, now)
	}
	return a.participant(ctx, event, now)
}

// AlarmFor returns when ctx needs to be woken, or nil.
func (a Algorithm) AlarmFor(ctx Context) *time.Time {
	var at time.Time
	switch ctx.State.Kind {
	case StateVoting:
		at = ctx.State.VoteTimeoutStart.Add(a.VoteTimeout)
	case StateVoted:
		at = ctx.State.DecisionTimeoutStart.Add(a.DecisionTimeout)
	default:
		return nil
	}
	return &at
}

// elapsed implements the timeout rule: now >= start + d.
func elapsed(start time.Time, d time.Duration, now time.Time) bool {
	return !now.Before(start.Add(d))
}

func (a Algorithm) coordinator(ctx Context, event Event, now time.Time) Outcome {
	switch ctx.State.Kind {
	case StateWaitingForStart:
		if event.Kind != EventStart {
			return a.drop(ctx, "coordinator waiting for start ignores %s", event)
		}
		next := ctx.Clone()
		next.Value = event.Value
		next.CoordinatorVote = nil
		for i := range next.Participants {
			next.Participants[i].Vote = nil
		}
		next.State = Voting(now)

		actions := make([]Action, 0, len(next.Participants)+1)
		for _, p := range next.Participants {
			actions = append(actions, SendMessage(p.Process, VoteRequest(next.Epoch, next.Value)))
		}
		actions = append(actions, Notify(NotifyCoordinatorRequestForVote, next.Value))
		return a.outcome(next, actions)

	case StateVoting:
		switch event.Kind {
		case EventVote:
			if ctx.CoordinatorVote != nil {
				return a.drop(ctx, "coordinator already voted")
			}
			next := ctx.Clone()
			vote := event.Vote
			next.CoordinatorVote = &vote
			return a.decide(next)

		case EventDeliver:
			if event.Message.Kind != MessageVoteResponse {
				return a.drop(ctx, "coordinator voting ignores %s", event.Message.Kind)
			}
			i := ctx.participantIndex(event.From)
			if i < 0 {
				return a.drop(ctx, "vote from unknown participant %q", event.From)
			}
			if ctx.Participants[i].Vote != nil {
				return a.drop(ctx, "duplicate vote from %q", event.From)
			}
			next := ctx.Clone()
			vote := event.Message.Vote
			next.Participants[i].Vote = &vote
			return a.decide(next)

		case EventAlarm:
			if !elapsed(ctx.State.VoteTimeoutStart, a.VoteTimeout, now) {
				return a.drop(ctx, "vote timeout has not elapsed")
			}
			return a.abort(ctx.Clone())

		default:
			return a.drop(ctx, "coordinator voting ignores %s", event)
		}

	case StateCommit, StateAbort:
		if event.Kind != EventDeliver || event.Message.Kind != MessageDecisionRequest {
			return a.drop(ctx, "epoch %d already decided", ctx.Epoch)
		}
		if ctx.participantIndex(event.From) < 0 {
			return a.drop(ctx, "decision request from unknown participant %q", event.From)
		}
		msg := AbortMessage(ctx.Epoch)
		if ctx.State.Kind == StateCommit {
			msg = CommitMessage(ctx.Epoch)
		}
		return a.outcome(ctx.Clone(), []Action{SendMessage(event.From, msg)})

	default:
		return a.drop(ctx, "coordinator cannot be in state %s", ctx.State.Kind)
	}
}

// decide commits once every vote is in and true, aborts as soon as any vote
// is false, and otherwise keeps waiting.
func (a Algorithm) decide(next Context) Outcome {
	complete := next.CoordinatorVote != nil
	if next.CoordinatorVote != nil && !*next.CoordinatorVote {
		return a.abort(next)
	}
	for _, p := range next.Participants {
		if p.Vote == nil {
			complete = false
			continue
		}
		if !*p.Vote {
			return a.abort(next)
		}
	}
	if !complete {
		return a.outcome(next, nil)
	}

	next.State = Committed()
	actions := make([]Action, 0, len(next.Participants)+1)
	for _, p := range next.Participants {
		actions = append(actions, SendMessage(p.Process, CommitMessage(next.Epoch)))
	}
	actions = append(actions, CommitAction(next.Value))
	return a.outcome(next, actions)
}

func (a Algorithm) abort(next Context) Outcome {
	next.State = Aborted()
	actions := make([]Action, 0, len(next.Participants)+1)
	for _, p := range next.Participants {
		actions = append(actions, SendMessage(p.Process, AbortMessage(next.Epoch)))
	}
	actions = append(actions, AbortAction(next.Value))
	return a.outcome(next, actions)
}

func (a Algorithm) participant(ctx Context, event Event, now time.Time) Outcome {
	if event.Kind == EventDeliver && event.From != ctx.Coordinator {
		return a.drop(ctx, "participant ignores %s from non-coordinator %q", event.Message.Kind, event.From)
	}

	switch ctx.State.Kind {
	case StateWaitingForVoteRequest:
		if event.Kind != EventDeliver {
			return a.drop(ctx, "participant waiting for vote request ignores %s", event)
		}
		switch event.Message.Kind {
		case MessageVoteRequest:
			next := ctx.Clone()
			next.Value = event.Message.Value
			next.State = WaitingForVote()
			return a.outcome(next, []Action{Notify(NotifyParticipantRequestForVote, next.Value)})
		case MessageAbort:
			return a.participantAbort(ctx)
		default:
			return a.drop(ctx, "participant waiting for vote request ignores %s", event.Message.Kind)
		}

	case StateWaitingForVote:
		switch {
		case event.Kind == EventVote:
			next := ctx.Clone()
			next.State = Voted(event.Vote, now)
			return a.outcome(next, []Action{
				SendMessage(ctx.Coordinator, VoteResponse(ctx.Epoch, event.Vote)),
			})
		case event.Kind == EventDeliver && event.Message.Kind == MessageAbort:
			return a.participantAbort(ctx)
		default:
			return a.drop(ctx, "participant waiting for vote ignores %s", event)
		}

	case StateVoted:
		switch event.Kind {
		case EventDeliver:
			switch event.Message.Kind {
			case MessageCommit:
				if !ctx.State.Vote {
					return a.drop(ctx, "commit received after voting no")
				}
				next := ctx.Clone()
				next.State = Committed()
				return a.outcome(next, []Action{CommitAction(next.Value)})
			case MessageAbort:
				return a.participantAbort(ctx)
			default:
				return a.drop(ctx, "participant voted ignores %s", event.Message.Kind)
			}
		case EventAlarm:
			if !elapsed(ctx.State.DecisionTimeoutStart, a.DecisionTimeout, now) {
				return a.drop(ctx, "decision timeout has not elapsed")
			}
			next := ctx.Clone()
			next.State = Voted(ctx.State.Vote, now)
			return a.outcome(next, []Action{
				SendMessage(ctx.Coordinator, DecisionRequest(ctx.Epoch)),
			})
		default:
			return a.drop(ctx, "participant voted ignores %s", event)
		}

	case StateCommit, StateAbort:
		return a.drop(ctx, "epoch %d already decided", ctx.Epoch)

	default:
		return a.drop(ctx, "participant cannot be in state %s", ctx.State.Kind)
	}
}

func (a Algorithm) participantAbort(ctx Context) Outcome {
	next := ctx.Clone()
	next.State = Aborted()
	return a.outcome(next, []Action{AbortAction(next.Value)})
}

func (a Algorithm) outcome(next Context, actions []Action) Outcome {
	return Outcome{Context: next, Actions: actions, Alarm: a.AlarmFor(next)}
}

func (a Algorithm) drop(ctx Context, format string, args ...any) Outcome {
	return Outcome{
		Context: ctx.Clone(),
		Alarm:   a.AlarmFor(ctx),
		Dropped: fmt.Sprintf(format, args...),
	}
}
