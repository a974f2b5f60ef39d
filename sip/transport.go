package sip

import (
	"context"
	"net/netip"
)

//go:generate go tool mockgen -destination=../internal/testutil/mock_transport.go -package=testutil -mock_names=Transport=MockTransport . Transport

// Transport sends messages on behalf of the transaction layer.
// A single transport is shared by many transactions and must be safe for concurrent use.
type Transport interface {
	// SendMessage serializes msg and sends it to addr.
	SendMessage(ctx context.Context, msg Message, addr netip.AddrPort) error
	// Reliable reports whether the transport guarantees delivery (TCP, TLS, SCTP).
	Reliable() bool
}
