package sip

import "github.com/sipcore/sipstack/internal/util"

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// RequestMethod is a SIP request method name.
// Method names are compared case-insensitively.
type RequestMethod string

// ToUpper returns the upper-cased method.
func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

// Equal reports whether m and other name the same method.
func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// IsInvite reports whether m is INVITE.
func (m RequestMethod) IsInvite() bool { return m.Equal(RequestMethodInvite) }

// IsAck reports whether m is ACK.
func (m RequestMethod) IsAck() bool { return m.Equal(RequestMethodAck) }

// IsCancel reports whether m is CANCEL.
func (m RequestMethod) IsCancel() bool { return m.Equal(RequestMethodCancel) }
