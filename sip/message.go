package sip

import "strings"

// Via is the part of the topmost Via header field used for transaction matching.
type Via struct {
	// Transport is the transport token, e.g. "UDP".
	Transport string
	// SentBy is the host[:port] value.
	SentBy string
	// Branch is the branch parameter, empty if absent.
	Branch string
}

// String renders the Via value in the "SIP/2.0/<transport> <sent-by>;branch=<branch>" form.
func (v Via) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.SentBy)
	if v.Branch != "" {
		sb.WriteString(";branch=")
		sb.WriteString(v.Branch)
	}
	return sb.String()
}

// Message is a parsed SIP message.
// Implementations must be safe for concurrent reads.
type Message interface {
	// Header returns the first value of the header field with the given name.
	// Name lookup is case-insensitive.
	Header(name string) (string, bool)
	// TopVia returns the topmost Via header field.
	TopVia() (Via, bool)
	// CSeq returns the CSeq sequence number and method.
	CSeq() (uint, RequestMethod, bool)
	CallID() string
	FromTag() string
	ToTag() string
}

// Request is a parsed SIP request.
type Request interface {
	Message
	Method() RequestMethod
	RequestURI() string
}

// Response is a parsed SIP response.
type Response interface {
	Message
	Status() ResponseStatus
}
