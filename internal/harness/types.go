package harness

import (
	"fmt"
	"time"
)

// Trace event kinds.
const (
	EventSend   = "send"
	EventDrop   = "drop"
	EventVote   = "vote"
	EventCommit = "commit"
	EventAbort  = "abort"
)

// TraceEvent is one externally visible effect of a service: a message it
// sent or lost, or a call it made into its batch executor.
type TraceEvent struct {
	Seq     int64         `json:"seq"`
	At      time.Duration `json:"at"` // since the scenario started
	Service string        `json:"service"`
	Kind    string        `json:"kind"`
	Detail  string        `json:"detail"`
}

// Line is the form used by trace assertions and golden files.
func (e TraceEvent) Line() string {
	return fmt.Sprintf("%s %s %s", e.At, e.Kind, e.Detail)
}

// ServiceState is the final state of one service.
type ServiceState struct {
	Epoch   uint64   `json:"epoch"`
	State   string   `json:"state"`
	History []string `json:"history"`
	Trace   []string `json:"trace"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace contains every event of every service in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final state keyed by service name.
	State map[string]ServiceState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ServiceState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// ServiceTrace returns the trace lines of one service in order.
func (r *Result) ServiceTrace(service string) []string {
	lines := []string{}
	for _, e := range r.Trace {
		if e.Service == service {
			lines = append(lines, e.Line())
		}
	}
	return lines
}
