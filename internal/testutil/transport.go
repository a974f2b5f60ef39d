package testutil

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sipcore/sipstack/sip"
)

// SentMessage is a message passed to [Transport.SendMessage].
type SentMessage struct {
	Msg  sip.Message
	Addr netip.AddrPort
}

// Transport is a [sip.Transport] that records sent messages.
type Transport struct {
	reliable bool

	mu   sync.Mutex
	sent []SentMessage
	fail func(msg sip.Message) error
	subs []chan SentMessage
}

// NewTransport creates a new recording transport.
func NewTransport(reliable bool) *Transport {
	return &Transport{reliable: reliable}
}

// Reliable implements [sip.Transport].
func (t *Transport) Reliable() bool { return t.reliable }

// SendMessage implements [sip.Transport].
// The message is recorded even if it fails to be sent.
func (t *Transport) SendMessage(_ context.Context, msg sip.Message, addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sm := SentMessage{msg, addr}
	t.sent = append(t.sent, sm)
	for _, ch := range t.subs {
		select {
		case ch <- sm:
		default:
		}
	}
	if t.fail != nil {
		return t.fail(msg)
	}
	return nil
}

// FailWith makes the transport fail all sends for which fn returns a non-nil error.
// Nil fn disables failures.
func (t *Transport) FailWith(fn func(msg sip.Message) error) {
	t.mu.Lock()
	t.fail = fn
	t.mu.Unlock()
}

// Sent returns the messages sent so far.
func (t *Transport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentMessage(nil), t.sent...)
}

// Count returns the number of sent messages for which match returns true.
func (t *Transport) Count(match func(msg sip.Message) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for _, sm := range t.sent {
		if match(sm.Msg) {
			n++
		}
	}
	return n
}

// Notify returns a channel that receives every message sent after the call.
func (t *Transport) Notify(buf int) <-chan SentMessage {
	ch := make(chan SentMessage, buf)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// IsRequest returns a matcher of requests with the given method.
func IsRequest(mtd sip.RequestMethod) func(sip.Message) bool {
	return func(msg sip.Message) bool {
		req, ok := msg.(sip.Request)
		return ok && req.Method().Equal(mtd)
	}
}

// IsResponse returns a matcher of responses with the given status.
func IsResponse(code sip.ResponseStatus) func(sip.Message) bool {
	return func(msg sip.Message) bool {
		res, ok := msg.(sip.Response)
		return ok && res.Status() == code
	}
}
