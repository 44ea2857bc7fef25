package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/scabbard/internal/ids"
)

// SentMessage is one payload captured by a RecordingSender.
type SentMessage struct {
	From    ids.ServiceID
	To      string
	Payload []byte
}

// RecordingSender captures outbound messages instead of delivering them.
// Set Err to make every Send fail.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// Send records the payload, or returns Err when set.
func (s *RecordingSender) Send(_ context.Context, from ids.ServiceID, to string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, SentMessage{From: from, To: to, Payload: append([]byte(nil), payload...)})
	return nil
}

// Sent returns a copy of every recorded message in send order.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// Reset forgets recorded messages.
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// ErrExecutorDown is the failure injected by RecordingExecutor.FailNext.
var ErrExecutorDown = errors.New("executor unavailable")

// Finalized is one commit or abort observed by a RecordingExecutor.
type Finalized struct {
	Service ids.ServiceID
	Epoch   uint64
	Value   string
}

func (f Finalized) String() string {
	return fmt.Sprintf("%s@%d(%s)", f.Service, f.Epoch, f.Value)
}

// RecordingExecutor is a batch executor that votes from a table and records
// every commit and abort it is asked to perform.
//
// Votes default to true. Reject makes a service vote false. FailNext makes
// the next n Commit/Abort calls fail with ErrExecutorDown.
type RecordingExecutor struct {
	mu       sync.Mutex
	reject   map[ids.ServiceID]bool
	votes    []Finalized
	commits  []Finalized
	aborts   []Finalized
	failNext int
}

// NewRecordingExecutor returns an executor that votes true everywhere.
func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{reject: make(map[ids.ServiceID]bool)}
}

// Reject makes svc vote false on every batch.
func (e *RecordingExecutor) Reject(svc ids.ServiceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject[svc] = true
}

// FailNext makes the next n Commit or Abort calls fail.
func (e *RecordingExecutor) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
}

func (e *RecordingExecutor) Vote(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.votes = append(e.votes, Finalized{Service: svc, Epoch: epoch, Value: string(value)})
	return !e.reject[svc], nil
}

func (e *RecordingExecutor) Commit(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	return e.record(&e.commits, svc, epoch, value)
}

func (e *RecordingExecutor) Abort(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	return e.record(&e.aborts, svc, epoch, value)
}

func (e *RecordingExecutor) record(into *[]Finalized, svc ids.ServiceID, epoch uint64, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext > 0 {
		e.failNext--
		return ErrExecutorDown
	}
	*into = append(*into, Finalized{Service: svc, Epoch: epoch, Value: string(value)})
	return nil
}

// Votes returns every vote request seen, in order.
func (e *RecordingExecutor) Votes() []Finalized {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Finalized(nil), e.votes...)
}

// Commits returns every commit performed, in order.
func (e *RecordingExecutor) Commits() []Finalized {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Finalized(nil), e.commits...)
}

// Aborts returns every abort performed, in order.
func (e *RecordingExecutor) Aborts() []Finalized {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Finalized(nil), e.aborts...)
}
