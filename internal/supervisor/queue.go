package supervisor

import (
	"sync"

	"github.com/roach88/scabbard/internal/store"
)

// MessageKind distinguishes supervisor messages.
type MessageKind int

const (
	// MessageNotification asks the supervisor to execute the pending
	// actions of Notification.Service.
	MessageNotification MessageKind = iota + 1
	// MessageShutdown stops the supervisor after the current unit of work.
	MessageShutdown
)

// Message is one unit of supervisor input.
type Message struct {
	Kind         MessageKind
	Notification store.Notification
}

// messageQueue is an unbounded FIFO of supervisor messages.
//
// Unbounded so that producers (timer, network handlers, the supervisor itself
// when it queues follow-up work) never block on a busy supervisor. The signal
// channel lets the loop wait with select alongside ctx.Done().
type messageQueue struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		messages: make([]Message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends m. Returns false if the queue is closed.
func (q *messageQueue) Enqueue(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
func (q *messageQueue) TryDequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	q.messages[0] = Message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available.
// It is closed once the queue is closed.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further messages and wakes any waiter.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
