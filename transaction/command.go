package transaction

import (
	"net/netip"

	"github.com/sipcore/sipstack/sip"
)

// command is an input of the transaction loop.
type command interface {
	String() string
}

type cmdMessage struct {
	msg sip.Message
	src netip.AddrPort
}

func (cmdMessage) String() string { return "message" }

type cmdSendResponse struct {
	res   sip.Response
	reply chan error
}

func (cmdSendResponse) String() string { return "send response" }

type cmdTerminate struct {
	reply chan error
}

func (cmdTerminate) String() string { return "terminate" }

type cmdTimer struct {
	name TimerName
	gen  uint64
}

func (c cmdTimer) String() string { return c.name.String() }

type cmdTransportError struct {
	err error
}

func (cmdTransportError) String() string { return "transport error" }
