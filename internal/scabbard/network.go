package scabbard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
	"github.com/roach88/scabbard/internal/wire"
)

var (
	// ErrUnreachable is returned when no node hosts the addressed service.
	ErrUnreachable = errors.New("service unreachable")

	// ErrPartitioned is returned when the sender or receiver is cut off.
	ErrPartitioned = errors.New("service partitioned")
)

// Delivery describes one message handed to a LocalNetwork.
type Delivery struct {
	From    ids.ServiceID
	To      ids.ServiceID
	Message twopc.Message
	Dropped bool
}

// LocalNetwork delivers messages between nodes of one process. It
// implements supervisor.MessageSender. Services can be partitioned to
// simulate lost messages.
type LocalNetwork struct {
	mu      sync.RWMutex
	routes  map[ids.ServiceID]*Node
	cut     map[ids.ServiceID]bool
	filter  func(Delivery) bool
	observe func(Delivery)
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		routes: make(map[ids.ServiceID]*Node),
		cut:    make(map[ids.ServiceID]bool),
	}
}

// Attach routes messages for svcs to node.
func (l *LocalNetwork) Attach(node *Node, svcs ...ids.ServiceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, svc := range svcs {
		l.routes[svc] = node
	}
}

// Partition drops every message from or to svc until Heal.
func (l *LocalNetwork) Partition(svc ids.ServiceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cut[svc] = true
}

// Heal reconnects svc.
func (l *LocalNetwork) Heal(svc ids.ServiceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cut, svc)
}

// OnDelivery registers fn to observe every message, dropped or not. fn runs
// on the sending goroutine.
func (l *LocalNetwork) OnDelivery(fn func(Delivery)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observe = fn
}

// DropIf drops every message for which fn returns true, in addition to
// partitions. fn runs on the sending goroutine.
func (l *LocalNetwork) DropIf(fn func(Delivery) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = fn
}

// Send delivers payload from the service from to its peer to.
func (l *LocalNetwork) Send(ctx context.Context, from ids.ServiceID, to string, payload []byte) error {
	target := from.Peer(to)

	l.mu.RLock()
	node := l.routes[target]
	cut := l.cut[from] || l.cut[target]
	filter, observe := l.filter, l.observe
	l.mu.RUnlock()

	d := Delivery{From: from, To: target, Dropped: cut}
	if filter != nil || observe != nil {
		d.Message, _ = wire.DecodeFrame(payload)
	}
	if !d.Dropped && filter != nil {
		d.Dropped = filter(d)
	}
	if observe != nil {
		observe(d)
	}

	switch {
	case d.Dropped:
		return fmt.Errorf("send %s -> %s: %w", from, target, ErrPartitioned)
	case node == nil:
		return fmt.Errorf("send %s -> %s: %w", from, target, ErrUnreachable)
	}

	svc := node.Service(target)
	if err := svc.deliver(ctx, from.Service, payload); err != nil {
		return fmt.Errorf("send %s -> %s: %w", from, target, err)
	}
	// The message is durable; a processing failure is the receiver's and is
	// retried by its timer.
	if err := svc.process(ctx); err != nil {
		node.logger.Error("processing delivered message failed",
			"service", target.String(), "from", from.Service, "error", err)
	}
	return nil
}
