// Package testutil contains test helpers: in-memory SIP messages and transports.
package testutil

import (
	"strings"

	"github.com/sipcore/sipstack/sip"
)

// Request is an in-memory [sip.Request].
// The zero value is a request without headers.
type Request struct {
	Mtd      sip.RequestMethod
	URI      string
	Via      *sip.Via
	CSeqNum  uint
	// CSeqMtd is the CSeq method, Mtd is used if empty.
	CSeqMtd  sip.RequestMethod
	CID      string
	FTag     string
	TTag     string
	Headers  map[string]string
	NoCSeq   bool
	NoTopVia bool
}

// NewRequest returns a request with the given method and Via branch
// and the rest of the transaction headers filled in.
func NewRequest(mtd sip.RequestMethod, branch string) *Request {
	return &Request{
		Mtd:     mtd,
		URI:     "sip:bob@example.com",
		Via:     &sip.Via{Transport: "UDP", SentBy: "client.example.com:5060", Branch: branch},
		CSeqNum: 1,
		CID:     "a84b4c76e66710",
		FTag:    "1928301774",
	}
}

func (r *Request) Header(name string) (string, bool) { return lookupHeader(r.Headers, name) }

func (r *Request) TopVia() (sip.Via, bool) {
	if r.Via == nil || r.NoTopVia {
		return sip.Via{}, false
	}
	return *r.Via, true
}

func (r *Request) CSeq() (uint, sip.RequestMethod, bool) {
	if r.NoCSeq {
		return 0, "", false
	}
	if r.CSeqMtd != "" {
		return r.CSeqNum, r.CSeqMtd, true
	}
	return r.CSeqNum, r.Mtd, true
}

func (r *Request) CallID() string { return r.CID }
func (r *Request) FromTag() string { return r.FTag }
func (r *Request) ToTag() string { return r.TTag }
func (r *Request) Method() sip.RequestMethod { return r.Mtd }
func (r *Request) RequestURI() string { return r.URI }
func (r *Request) String() string { return string(r.Mtd) + " " + r.URI }

// Clone returns a shallow copy of the request with its own Via.
func (r *Request) Clone() *Request {
	c := *r
	if r.Via != nil {
		v := *r.Via
		c.Via = &v
	}
	return &c
}

// Response is an in-memory [sip.Response].
type Response struct {
	Code    sip.ResponseStatus
	Via     *sip.Via
	CSeqNum uint
	CSeqMtd sip.RequestMethod
	CID     string
	FTag    string
	TTag    string
	Headers map[string]string
}

// NewResponse returns a response to the request with the given status code.
func NewResponse(req sip.Request, code sip.ResponseStatus) *Response {
	res := &Response{
		Code:    code,
		CID:     req.CallID(),
		FTag:    req.FromTag(),
		TTag:    req.ToTag(),
		Headers: map[string]string{},
	}
	if via, ok := req.TopVia(); ok {
		res.Via = &via
	}
	res.CSeqNum, res.CSeqMtd, _ = req.CSeq()
	if code > 100 && res.TTag == "" {
		res.TTag = "a6c85cf"
	}
	return res
}

func (r *Response) Header(name string) (string, bool) { return lookupHeader(r.Headers, name) }

func (r *Response) TopVia() (sip.Via, bool) {
	if r.Via == nil {
		return sip.Via{}, false
	}
	return *r.Via, true
}

func (r *Response) CSeq() (uint, sip.RequestMethod, bool) {
	if r.CSeqMtd == "" {
		return 0, "", false
	}
	return r.CSeqNum, r.CSeqMtd, true
}

func (r *Response) CallID() string { return r.CID }
func (r *Response) FromTag() string { return r.FTag }
func (r *Response) ToTag() string { return r.TTag }
func (r *Response) Status() sip.ResponseStatus { return r.Code }
func (r *Response) String() string { return "SIP/2.0 " + r.Code.String() }

// NewAck returns the ACK for a non-2xx final response to the INVITE request
// as defined in RFC 3261 section 17.1.1.3.
func NewAck(invite sip.Request, res sip.Response) (sip.Request, error) {
	req := &Request{
		Mtd:     sip.RequestMethodAck,
		URI:     invite.RequestURI(),
		CID:     invite.CallID(),
		FTag:    invite.FromTag(),
		TTag:    res.ToTag(),
		CSeqMtd: sip.RequestMethodAck,
	}
	if via, ok := invite.TopVia(); ok {
		req.Via = &via
	}
	req.CSeqNum, _, _ = invite.CSeq()
	return req, nil
}

// NewTrying returns the 100 Trying response to the request.
func NewTrying(req sip.Request) (sip.Response, error) {
	return NewResponse(req, sip.ResponseStatusTrying), nil
}

func lookupHeader(hdrs map[string]string, name string) (string, bool) {
	for k, v := range hdrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
