package twopc

import "fmt"

// MessageKind identifies a consensus message on the wire.
// The numeric values are the protobuf oneof field numbers.
type MessageKind int

const (
	MessageVoteRequest     MessageKind = 1
	MessageVoteResponse    MessageKind = 2
	MessageCommit          MessageKind = 3
	MessageAbort           MessageKind = 4
	MessageDecisionRequest MessageKind = 5
)

// String returns the message name.
func (k MessageKind) String() string {
	switch k {
	case MessageVoteRequest:
		return "VoteRequest"
	case MessageVoteResponse:
		return "VoteResponse"
	case MessageCommit:
		return "Commit"
	case MessageAbort:
		return "Abort"
	case MessageDecisionRequest:
		return "DecisionRequest"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is a 2PC protocol message exchanged between services of a circuit.
//
// Value is set only for VoteRequest; Vote only for VoteResponse.
type Message struct {
	Kind  MessageKind `json:"kind"`
	Epoch uint64      `json:"epoch"`
	Value []byte      `json:"value,omitempty"`
	Vote  bool        `json:"vote,omitempty"`
}

// VoteRequest asks a participant to vote on value in epoch.
func VoteRequest(epoch uint64, value []byte) Message {
	return Message{Kind: MessageVoteRequest, Epoch: epoch, Value: value}
}

// VoteResponse carries a participant's vote for epoch.
func VoteResponse(epoch uint64, vote bool) Message {
	return Message{Kind: MessageVoteResponse, Epoch: epoch, Vote: vote}
}

// CommitMessage announces a commit decision.
func CommitMessage(epoch uint64) Message {
	return Message{Kind: MessageCommit, Epoch: epoch}
}

// AbortMessage announces an abort decision.
func AbortMessage(epoch uint64) Message {
	return Message{Kind: MessageAbort, Epoch: epoch}
}

// DecisionRequest asks the coordinator to repeat its decision for epoch.
func DecisionRequest(epoch uint64) Message {
	return Message{Kind: MessageDecisionRequest, Epoch: epoch}
}

// String renders the message for logs and traces.
func (m Message) String() string {
	switch m.Kind {
	case MessageVoteRequest:
		return fmt.Sprintf("VoteRequest{epoch=%d, value=%q}", m.Epoch, m.Value)
	case MessageVoteResponse:
		return fmt.Sprintf("VoteResponse{epoch=%d, vote=%t}", m.Epoch, m.Vote)
	default:
		return fmt.Sprintf("%s{epoch=%d}", m.Kind, m.Epoch)
	}
}
