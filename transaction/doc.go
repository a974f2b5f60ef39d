// Package transaction implements the SIP transaction layer defined in RFC 3261 section 17.
//
// Each transaction runs its own command loop goroutine. Inbound messages, responses sent by
// the transaction user (TU), timer firings and explicit termination are all delivered to the
// loop as commands through a bounded queue, so every state change of a transaction happens in
// a single goroutine. The current state can be read from any goroutine with State.
//
// The [Registry] maps inbound messages to transactions using the RFC 3261 matching rules,
// creates server transactions for new requests and client transactions for outbound
// requests. The TU observes transactions through event channels returned by Subscribe.
//
// Sending is delegated to a [sip.Transport] and message parsing is out of scope: messages are
// consumed through the [sip.Request] and [sip.Response] interfaces.
package transaction

//go:generate go tool errtrace -w .
