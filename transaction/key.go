package transaction

import (
	"encoding/hex"
	"log/slog"

	"braces.dev/errtrace"
	"github.com/cespare/xxhash/v2"

	"github.com/sipcore/sipstack/internal/util"
	"github.com/sipcore/sipstack/sip"
)

// Key identifies a transaction.
//
// The key implements the matching rules defined in RFC 3261 sections 17.1.3 and 17.2.3.
// Branch, SentBy and Method are used for RFC 3261 transactions.
// Method, URI, FromTag, ToTag, CallID, CSeqNum and Via are used for RFC 2543 transactions.
// Case-insensitive fields are stored in canonical case, so two keys match iff they are equal
// with ==, and a Key can be used as a map key.
// The ACK method is folded to INVITE, so an ACK for a non-2xx response matches the INVITE
// transaction it acknowledges.
type Key struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Lower-cased host and port of the topmost Via header field.
	SentBy string
	// Upper-cased CSeq method.
	Method string

	// Lower-cased Request-URI. RFC 2543 only.
	URI string
	// Tag parameter of the From header field. RFC 2543 only.
	FromTag string
	// Tag parameter of the To header field. RFC 2543 only.
	ToTag string
	// Call-ID header field value. RFC 2543 only.
	CallID string
	// CSeq sequence number. RFC 2543 only.
	CSeqNum uint
	// Lower-cased topmost Via header field. RFC 2543 only.
	Via string
}

// KeyFromRequest builds the key of the transaction the request belongs to.
func KeyFromRequest(req sip.Request) (Key, error) {
	if req == nil {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}

	via, ok := req.TopVia()
	if !ok {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing Via header"))
	}
	seq, mtd, ok := req.CSeq()
	if !ok {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing CSeq header"))
	}

	if sip.IsRFC3261Branch(via.Branch) {
		return Key{
			Branch: via.Branch,
			SentBy: util.LCase(via.SentBy),
			Method: keyMethod(mtd),
		}, nil
	}

	k := Key{
		Method:  keyMethod(mtd),
		URI:     util.LCase(req.RequestURI()),
		FromTag: req.FromTag(),
		ToTag:   req.ToTag(),
		CallID:  req.CallID(),
		CSeqNum: seq,
		Via:     util.LCase(via.String()),
	}
	if mtd.IsAck() {
		k.ToTag = ""
	}
	if k.URI == "" {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing Request-URI"))
	}
	if k.FromTag == "" {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing From tag"))
	}
	if k.ToTag == "" && !mtd.IsInvite() && !mtd.IsAck() {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing To tag"))
	}
	if k.CallID == "" {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing Call-ID"))
	}
	return k, nil
}

// KeyFromResponse builds the key of the client transaction the response belongs to.
// Only RFC 3261 branches are supported since responses cannot be matched with RFC 2543 rules.
func KeyFromResponse(res sip.Response) (Key, error) {
	if res == nil {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("invalid response"))
	}

	via, ok := res.TopVia()
	if !ok {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing Via header"))
	}
	if !sip.IsRFC3261Branch(via.Branch) {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("non-RFC 3261 branch %q", via.Branch))
	}
	_, mtd, ok := res.CSeq()
	if !ok {
		return Key{}, errtrace.Wrap(newInvalidArgumentError("missing CSeq header"))
	}
	return Key{
		Branch: via.Branch,
		SentBy: util.LCase(via.SentBy),
		Method: keyMethod(mtd),
	}, nil
}

// keyForCancel returns the key of the INVITE transaction cancelled by the CANCEL request.
func keyForCancel(cancel sip.Request) (Key, error) {
	if cancel == nil || !cancel.Method().IsCancel() {
		return Key{}, errtrace.Wrap(newInvalidArgumentError(ErrMethodNotAllowed))
	}
	k, err := KeyFromRequest(cancel)
	if err != nil {
		return Key{}, errtrace.Wrap(err)
	}
	k.Method = string(sip.RequestMethodInvite)
	if !k.IsRFC3261() {
		k.ToTag = ""
	}
	return k, nil
}

func keyMethod(m sip.RequestMethod) string {
	if m.IsAck() {
		return string(sip.RequestMethodInvite)
	}
	return string(m.ToUpper())
}

// IsRFC3261 reports whether the key was built from an RFC 3261 branch.
func (k Key) IsRFC3261() bool { return sip.IsRFC3261Branch(k.Branch) }

// Equal reports whether two keys identify the same transaction.
func (k Key) Equal(other Key) bool { return k == other }

// IsValid checks whether the key has all fields required by its form.
func (k Key) IsValid() bool {
	if k.IsRFC3261() {
		return k.SentBy != "" && k.Method != ""
	}
	return k.Method != "" &&
		k.URI != "" &&
		k.FromTag != "" &&
		(k.Method == string(sip.RequestMethodInvite) || k.ToTag != "") &&
		k.CallID != "" &&
		k.Via != ""
}

func (k Key) IsZero() bool { return k == Key{} }

// LogValue implements [slog.LogValuer].
func (k Key) LogValue() slog.Value {
	if k.IsRFC3261() {
		return slog.GroupValue(
			slog.String("branch", k.Branch),
			slog.String("sent-by", k.SentBy),
			slog.String("method", k.Method),
		)
	}
	return slog.GroupValue(
		slog.String("method", k.Method),
		slog.String("uri", k.URI),
		slog.String("from-tag", k.FromTag),
		slog.String("to-tag", k.ToTag),
		slog.String("call-id", k.CallID),
		slog.Uint64("cseq-num", uint64(k.CSeqNum)),
		slog.String("via", k.Via),
	)
}

const (
	keyFormRFC3261 byte = 1
	keyFormRFC2543 byte = 2
)

// MarshalBinary returns a canonical binary representation of the key.
func (k Key) MarshalBinary() ([]byte, error) {
	return k.appendBinary(nil), nil
}

func (k Key) appendBinary(buf []byte) []byte {
	if k.IsRFC3261() {
		buf = append(buf, keyFormRFC3261)
		buf = util.AppendPrefixedString(buf, k.Branch)
		buf = util.AppendPrefixedString(buf, k.SentBy)
		return util.AppendPrefixedString(buf, k.Method)
	}

	buf = append(buf, keyFormRFC2543)
	buf = util.AppendPrefixedString(buf, k.Method)
	buf = util.AppendPrefixedString(buf, k.URI)
	buf = util.AppendPrefixedString(buf, k.FromTag)
	buf = util.AppendPrefixedString(buf, k.ToTag)
	buf = util.AppendPrefixedString(buf, k.CallID)
	buf = util.AppendUVarInt(buf, uint64(k.CSeqNum))
	return util.AppendPrefixedString(buf, k.Via)
}

// UnmarshalBinary restores the key from the [Key.MarshalBinary] representation.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(newInvalidArgumentError("empty key data"))
	}

	var (
		nk   Key
		err  error
		rest = data[1:]
	)
	switch data[0] {
	case keyFormRFC3261:
		for _, f := range []*string{&nk.Branch, &nk.SentBy, &nk.Method} {
			if *f, rest, err = util.ConsumePrefixedString(rest); err != nil {
				return errtrace.Wrap(newInvalidArgumentError(err))
			}
		}
	case keyFormRFC2543:
		for _, f := range []*string{&nk.Method, &nk.URI, &nk.FromTag, &nk.ToTag, &nk.CallID} {
			if *f, rest, err = util.ConsumePrefixedString(rest); err != nil {
				return errtrace.Wrap(newInvalidArgumentError(err))
			}
		}
		var seq uint64
		if seq, rest, err = util.ConsumeUVarInt(rest); err != nil {
			return errtrace.Wrap(newInvalidArgumentError(err))
		}
		nk.CSeqNum = uint(seq)
		if nk.Via, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(newInvalidArgumentError(err))
		}
	default:
		return errtrace.Wrap(newInvalidArgumentError("unknown key form %d", data[0]))
	}
	if len(rest) != 0 {
		return errtrace.Wrap(newInvalidArgumentError("%d trailing bytes", len(rest)))
	}

	*k = nk
	return nil
}

// String returns the hex encoded binary form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k.appendBinary(nil))
}

func (k Key) hash() uint64 {
	return xxhash.Sum64(k.appendBinary(make([]byte, 0, 64)))
}
