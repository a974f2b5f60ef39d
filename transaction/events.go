package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/sipcore/sipstack/internal/types"
	"github.com/sipcore/sipstack/sip"
)

// Event is a notification emitted by a transaction or by the [Registry].
type Event interface {
	// TransactionID returns the key of the transaction that emitted the event.
	// It is zero for [UnmatchedMessageEvent].
	TransactionID() Key
	fmt.Stringer
}

// StateChangedEvent is emitted on every state transition.
type StateChangedEvent struct {
	ID   Key
	Kind Kind
	Prev State
	New  State
}

func (e StateChangedEvent) TransactionID() Key { return e.ID }

func (e StateChangedEvent) String() string {
	return fmt.Sprintf("state changed %s -> %s", e.Prev, e.New)
}

// TimerTriggeredEvent is emitted when a transaction timer fires.
type TimerTriggeredEvent struct {
	ID    Key
	Timer TimerName
}

func (e TimerTriggeredEvent) TransactionID() Key { return e.ID }

func (e TimerTriggeredEvent) String() string { return e.Timer.String() + " triggered" }

// TerminatedEvent is the last event of every transaction.
// Subscriber channels are closed right after it.
type TerminatedEvent struct {
	ID Key
	// Err is the termination cause, nil on normal completion.
	Err error
}

func (e TerminatedEvent) TransactionID() Key { return e.ID }

func (e TerminatedEvent) String() string { return "transaction terminated" }

// TransportErrorEvent is emitted when a send fails. The transaction terminates right after.
type TransportErrorEvent struct {
	ID  Key
	Err error
}

func (e TransportErrorEvent) TransactionID() Key { return e.ID }

func (e TransportErrorEvent) String() string { return fmt.Sprintf("transport error: %v", e.Err) }

// ErrorEvent reports a transaction failure other than a transport error,
// e.g. a timeout that matches [ErrTransactionTimedOut].
type ErrorEvent struct {
	ID  Key
	Err error
}

func (e ErrorEvent) TransactionID() Key { return e.ID }

func (e ErrorEvent) String() string { return fmt.Sprintf("transaction error: %v", e.Err) }

// ResponseEvent passes a response received by a client transaction to the TU.
type ResponseEvent struct {
	ID       Key
	Response sip.Response
}

func (e ResponseEvent) TransactionID() Key { return e.ID }

func (e ResponseEvent) String() string {
	return fmt.Sprintf("response %s received", e.Response.Status())
}

// AckRequiredEvent is emitted by a client INVITE transaction on every non-2xx final response,
// including retransmissions, so the ACK can be (re)sent.
type AckRequiredEvent struct {
	ID       Key
	Response sip.Response
}

func (e AckRequiredEvent) TransactionID() Key { return e.ID }

func (e AckRequiredEvent) String() string {
	return fmt.Sprintf("ACK required for %s response", e.Response.Status())
}

// CreatedEvent is emitted by the [Registry] when it creates a transaction.
type CreatedEvent struct {
	ID   Key
	Kind Kind
}

func (e CreatedEvent) TransactionID() Key { return e.ID }

func (e CreatedEvent) String() string { return e.Kind.String() + " transaction created" }

// UnmatchedMessageEvent is emitted by the [Registry] for messages that match no transaction
// and do not create one: ACKs for 2xx responses and stray responses.
type UnmatchedMessageEvent struct {
	ID      Key
	Message sip.Message
	Source  netip.AddrPort
}

func (e UnmatchedMessageEvent) TransactionID() Key { return e.ID }

func (e UnmatchedMessageEvent) String() string {
	return fmt.Sprintf("unmatched message from %s", e.Source)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers the event without blocking. It reports false if the event was dropped.
func (s *subscriber) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// eventHub fans out events to subscriber channels.
type eventHub struct {
	subs    types.CallbackManager[*subscriber]
	mu      sync.Mutex
	closed  bool
	log     *slog.Logger
	metrics *Metrics
}

const defEventBuffer = 32

func (h *eventHub) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = defEventBuffer
	}
	sub := &subscriber{ch: make(chan Event, buf)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	remove := h.subs.Add(sub)
	h.mu.Unlock()

	return sub.ch, func() {
		remove()
		sub.close()
	}
}

// publish delivers the event to every subscriber.
// Slow subscribers lose events instead of blocking the publisher.
func (h *eventHub) publish(ctx context.Context, evt Event) {
	for sub := range h.subs.All() {
		if sub.send(evt) {
			continue
		}

		h.metrics.eventDropped()
		h.log.LogAttrs(ctx, slog.LevelDebug, "event dropped, subscriber is too slow",
			slog.Any("transaction", evt.TransactionID()),
			slog.String("event", evt.String()),
		)
	}
}

// close closes all subscriber channels. Later subscribers get a closed channel.
func (h *eventHub) close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs.Clear()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
