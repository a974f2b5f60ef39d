package transaction

import (
	"context"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ServerNonInviteTransaction is the RFC 3261 non-INVITE server transaction (section 17.2.2).
type ServerNonInviteTransaction struct {
	serverTransact
}

// NewServerNonInviteTransaction creates a new non-INVITE server transaction for the request received from src.
// The transaction is not started, call [ServerNonInviteTransaction.Start] to run it.
// Options are optional, if nil, default options will be used.
func NewServerNonInviteTransaction(
	req sip.Request,
	src netip.AddrPort,
	tp sip.Transport,
	opts *ServerOptions,
) (*ServerNonInviteTransaction, error) {
	return errtrace.Wrap2(newServerNonInvite(req, src, tp, opts.config()))
}

func newServerNonInvite(req sip.Request, src netip.AddrPort, tp sip.Transport, cfg txConfig) (*ServerNonInviteTransaction, error) {
	tx := &ServerNonInviteTransaction{}
	st, err := newServerTransact(KindServerNonInvite, tx, req, src, tp, cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.initFSM()
	return tx, nil
}

func (tx *ServerNonInviteTransaction) initFSM() {
	tx.transact.initFSM()

	tx.configure(StateTrying).
		Ignore(trigRecvReq).
		Permit(trigSend1xx, StateProceeding).
		Permit(trigSendFinal, StateCompleted)

	tx.configure(StateProceeding).
		OnEntryFrom(trigSend1xx, tx.actSendResponse).
		InternalTransition(trigSend1xx, tx.actSendResponse).
		InternalTransition(trigRecvReq, tx.actResendResponse).
		Permit(trigSendFinal, StateCompleted)

	tx.configure(StateCompleted).
		OnEntryFrom(trigSendFinal, tx.actCompleted).
		InternalTransition(trigRecvReq, tx.actResendResponse).
		InternalTransition(trigSendFinal, tx.actResendResponse).
		Permit(TimerJ, StateTerminated)
}

func (*ServerNonInviteTransaction) start(context.Context) {}

func (tx *ServerNonInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	if err := tx.actSendResponse(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}
	tx.startTimer(ctx, TimerJ, tx.timings.TimeJ(tx.reliable))
	return nil
}
