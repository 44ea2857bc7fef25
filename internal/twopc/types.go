package twopc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/roach88/scabbard/internal/ids"
)

// StateKind enumerates the 2PC states. The string values are persisted.
type StateKind string

const (
	StateWaitingForStart       StateKind = "WAITING_FOR_START"
	StateWaitingForVoteRequest StateKind = "WAITING_FOR_VOTE_REQUEST"
	StateVoting                StateKind = "VOTING"
	StateVoted                 StateKind = "VOTED"
	StateWaitingForVote        StateKind = "WAITING_FOR_VOTE"
	StateCommit                StateKind = "COMMIT"
	StateAbort                 StateKind = "ABORT"
)

// Valid reports whether k is one of the known states.
func (k StateKind) Valid() bool {
	switch k {
	case StateWaitingForStart, StateWaitingForVoteRequest, StateVoting,
		StateVoted, StateWaitingForVote, StateCommit, StateAbort:
		return true
	}
	return false
}

// State is the tagged state of one epoch.
//
// VoteTimeoutStart is meaningful only for Voting; Vote and
// DecisionTimeoutStart only for Voted.
type State struct {
	Kind                 StateKind
	VoteTimeoutStart     time.Time
	Vote                 bool
	DecisionTimeoutStart time.Time
}

// WaitingForStart is the coordinator's idle state.
func WaitingForStart() State { return State{Kind: StateWaitingForStart} }

// WaitingForVoteRequest is the participant's idle state.
func WaitingForVoteRequest() State { return State{Kind: StateWaitingForVoteRequest} }

// Voting is the coordinator collecting votes since start.
func Voting(start time.Time) State { return State{Kind: StateVoting, VoteTimeoutStart: start} }

// Voted is the participant waiting for the decision after voting.
func Voted(vote bool, start time.Time) State {
	return State{Kind: StateVoted, Vote: vote, DecisionTimeoutStart: start}
}

// WaitingForVote is the participant waiting for its local vote.
func WaitingForVote() State { return State{Kind: StateWaitingForVote} }

// Committed is the terminal commit state.
func Committed() State { return State{Kind: StateCommit} }

// Aborted is the terminal abort state.
func Aborted() State { return State{Kind: StateAbort} }

// IsTerminal reports whether the epoch has been decided.
func (s State) IsTerminal() bool {
	return s.Kind == StateCommit || s.Kind == StateAbort
}

// Equal compares states, ignoring monotonic clock readings.
func (s State) Equal(o State) bool {
	return s.Kind == o.Kind &&
		s.Vote == o.Vote &&
		s.VoteTimeoutStart.Equal(o.VoteTimeoutStart) &&
		s.DecisionTimeoutStart.Equal(o.DecisionTimeoutStart)
}

func (s State) String() string {
	switch s.Kind {
	case StateVoting:
		return fmt.Sprintf("Voting{vote_timeout_start=%s}", s.VoteTimeoutStart.UTC().Format(time.RFC3339Nano))
	case StateVoted:
		return fmt.Sprintf("Voted{vote=%t, decision_timeout_start=%s}", s.Vote, s.DecisionTimeoutStart.UTC().Format(time.RFC3339Nano))
	default:
		return string(s.Kind)
	}
}

// Participant is a peer service and, on the coordinator, its recorded vote.
type Participant struct {
	Process string
	Vote    *bool
}

// Context is the consensus record of one service for one epoch.
//
// Participants never change once the context for an epoch exists; only their
// votes are filled in. Value is the batch under vote: set by Start on the
// coordinator and by VoteRequest on participants.
type Context struct {
	Service         ids.ServiceID
	Epoch           uint64
	Coordinator     string
	ThisProcess     string
	Participants    []Participant
	State           State
	Value           []byte
	CoordinatorVote *bool
	LastCommitEpoch *uint64
}

// NewContext builds the epoch's initial context for service given its peers.
// The coordinator is chosen among peers and self; peers become the ordered
// participant list.
func NewContext(service ids.ServiceID, epoch uint64, peers []string) Context {
	peers = ids.SortedServices(peers)
	participants := make([]Participant, 0, len(peers))
	for _, p := range peers {
		if p == service.Service {
			continue
		}
		participants = append(participants, Participant{Process: p})
	}

	c := Context{
		Service:      service,
		Epoch:        epoch,
		Coordinator:  ids.SelectCoordinator(service.Service, peers),
		ThisProcess:  service.Service,
		Participants: participants,
	}
	c.State = c.initialState()
	return c
}

// IsCoordinator reports whether this process coordinates the circuit.
func (c Context) IsCoordinator() bool {
	return c.Coordinator == c.ThisProcess
}

// Peers returns the participant process names in order.
func (c Context) Peers() []string {
	out := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = p.Process
	}
	return out
}

func (c Context) initialState() State {
	if c.IsCoordinator() {
		return WaitingForStart()
	}
	return WaitingForVoteRequest()
}

// Next returns the initial context of the following epoch. Votes and the
// value are cleared; the participant list carries over unchanged.
func (c Context) Next() Context {
	next := c.Clone()
	next.Epoch = c.Epoch + 1
	next.Value = nil
	next.CoordinatorVote = nil
	for i := range next.Participants {
		next.Participants[i].Vote = nil
	}
	if c.State.Kind == StateCommit {
		epoch := c.Epoch
		next.LastCommitEpoch = &epoch
	}
	next.State = next.initialState()
	return next
}

// Clone returns a deep copy so transitions never alias their input.
func (c Context) Clone() Context {
	out := c
	if c.Participants != nil {
		out.Participants = make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			out.Participants[i] = Participant{Process: p.Process, Vote: cloneBool(p.Vote)}
		}
	}
	if c.Value != nil {
		out.Value = bytes.Clone(c.Value)
	}
	out.CoordinatorVote = cloneBool(c.CoordinatorVote)
	if c.LastCommitEpoch != nil {
		e := *c.LastCommitEpoch
		out.LastCommitEpoch = &e
	}
	return out
}

// Equal reports whether two contexts hold the same data.
func (c Context) Equal(o Context) bool {
	if c.Service != o.Service || c.Epoch != o.Epoch ||
		c.Coordinator != o.Coordinator || c.ThisProcess != o.ThisProcess ||
		!c.State.Equal(o.State) || !bytes.Equal(c.Value, o.Value) ||
		!equalBool(c.CoordinatorVote, o.CoordinatorVote) ||
		!equalUint(c.LastCommitEpoch, o.LastCommitEpoch) ||
		len(c.Participants) != len(o.Participants) {
		return false
	}
	for i := range c.Participants {
		if c.Participants[i].Process != o.Participants[i].Process ||
			!equalBool(c.Participants[i].Vote, o.Participants[i].Vote) {
			return false
		}
	}
	return true
}

func (c Context) participantIndex(process string) int {
	for i, p := range c.Participants {
		if p.Process == process {
			return i
		}
	}
	return -1
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func equalBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalUint(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EventKind enumerates inbound triggers.
type EventKind string

const (
	EventDeliver EventKind = "DELIVER"
	EventAlarm   EventKind = "ALARM"
	EventStart   EventKind = "START"
	EventVote    EventKind = "VOTE"
)

// Event is an inbound trigger for one epoch.
//
//   - Deliver: Message received From a peer service.
//   - Alarm: a timeout may have elapsed.
//   - Start: the coordinator begins an epoch for Value.
//   - Vote: this process's own vote, produced by the batch executor.
type Event struct {
	Kind    EventKind
	From    string
	Message Message
	Value   []byte
	Vote    bool
}

// Deliver wraps a message received from a peer.
func Deliver(from string, msg Message) Event {
	return Event{Kind: EventDeliver, From: from, Message: msg}
}

// Alarm is the timer event.
func Alarm() Event { return Event{Kind: EventAlarm} }

// Start begins an epoch on the coordinator.
func Start(value []byte) Event { return Event{Kind: EventStart, Value: value} }

// Vote is this process's own vote.
func Vote(vote bool) Event { return Event{Kind: EventVote, Vote: vote} }

func (e Event) String() string {
	switch e.Kind {
	case EventDeliver:
		return fmt.Sprintf("Deliver(%s, %s)", e.From, e.Message)
	case EventStart:
		return fmt.Sprintf("Start(%q)", e.Value)
	case EventVote:
		return fmt.Sprintf("Vote(%t)", e.Vote)
	default:
		return string(e.Kind)
	}
}

// ActionKind enumerates outbound effects.
type ActionKind string

const (
	ActionSendMessage ActionKind = "SEND_MESSAGE"
	ActionCommit      ActionKind = "COMMIT"
	ActionAbort       ActionKind = "ABORT"
	ActionNotify      ActionKind = "NOTIFY"
)

// NotificationKind enumerates the requests an action can make of the
// batch executor.
type NotificationKind string

const (
	NotifyCoordinatorRequestForVote NotificationKind = "COORDINATOR_REQUEST_FOR_VOTE"
	NotifyParticipantRequestForVote NotificationKind = "PARTICIPANT_REQUEST_FOR_VOTE"
)

// Notification asks the local batch executor for input.
type Notification struct {
	Kind  NotificationKind
	Value []byte
}

// Action is an effect produced by a transition and executed by the
// supervisor after it has been persisted.
//
// To and Message are set for SendMessage; Value for Commit and Abort (the
// batch being finalized); Notification for Notify.
type Action struct {
	Kind         ActionKind
	To           string
	Message      Message
	Value        []byte
	Notification Notification
}

// SendMessage addresses msg to the peer service to.
func SendMessage(to string, msg Message) Action {
	return Action{Kind: ActionSendMessage, To: to, Message: msg}
}

// CommitAction finalizes value locally.
func CommitAction(value []byte) Action { return Action{Kind: ActionCommit, Value: value} }

// AbortAction rolls back value locally.
func AbortAction(value []byte) Action { return Action{Kind: ActionAbort, Value: value} }

// Notify asks the batch executor for input.
func Notify(kind NotificationKind, value []byte) Action {
	return Action{Kind: ActionNotify, Notification: Notification{Kind: kind, Value: value}}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSendMessage:
		return fmt.Sprintf("SendMessage(%s, %s)", a.To, a.Message)
	case ActionNotify:
		return fmt.Sprintf("Notify(%s)", a.Notification.Kind)
	default:
		return string(a.Kind)
	}
}
