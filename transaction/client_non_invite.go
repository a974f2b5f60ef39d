package transaction

import (
	"context"
	"net/netip"
	"time"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ClientNonInviteTransaction is the RFC 3261 non-INVITE client transaction (section 17.1.2).
type ClientNonInviteTransaction struct {
	clientTransact
}

// NewClientNonInviteTransaction creates a new non-INVITE client transaction.
// The transaction is not started, call [ClientNonInviteTransaction.Start] to send the request.
//
// ACK requests are rejected with [ErrMethodNotAllowed], they never create a transaction.
// Options are optional, if nil, default options will be used.
func NewClientNonInviteTransaction(
	req sip.Request,
	dst netip.AddrPort,
	tp sip.Transport,
	opts *ClientOptions,
) (*ClientNonInviteTransaction, error) {
	return errtrace.Wrap2(newClientNonInvite(req, dst, tp, opts.config()))
}

func newClientNonInvite(req sip.Request, dst netip.AddrPort, tp sip.Transport, cfg txConfig) (*ClientNonInviteTransaction, error) {
	tx := &ClientNonInviteTransaction{}
	ct, err := newClientTransact(KindClientNonInvite, tx, req, dst, tp, cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.initFSM()
	return tx, nil
}

func (tx *ClientNonInviteTransaction) initFSM() {
	tx.transact.initFSM()

	tx.configure(StateTrying).
		InternalTransition(TimerE, tx.actResend(TimerE, tx.timings.NextRetransmit)).
		Permit(trigRecv1xx, StateProceeding).
		Permit(trigRecvFinal, StateCompleted).
		Permit(TimerF, StateTerminated)

	tx.configure(StateProceeding).
		OnEntryFrom(trigRecv1xx, tx.actPassResponse).
		InternalTransition(trigRecv1xx, tx.actPassResponse).
		InternalTransition(TimerE, tx.actResend(TimerE, func(time.Duration) time.Duration { return tx.timings.T2() })).
		Permit(trigRecvFinal, StateCompleted).
		Permit(TimerF, StateTerminated)

	tx.configure(StateCompleted).
		OnEntryFrom(trigRecvFinal, tx.actCompleted).
		Ignore(trigRecv1xx).
		Ignore(trigRecvFinal).
		Ignore(TimerE).
		Ignore(TimerF).
		Permit(TimerK, StateTerminated)
}

func (tx *ClientNonInviteTransaction) start(ctx context.Context) {
	if err := tx.sendRequest(ctx); err != nil {
		return
	}
	if !tx.reliable {
		tx.startTimer(ctx, TimerE, tx.timings.TimeE())
	}
	tx.startTimer(ctx, TimerF, tx.timings.TimeF())
}

func (tx *ClientNonInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, TimerE)
	tx.stopTimer(ctx, TimerF)
	if err := tx.actPassResponse(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}
	tx.startTimer(ctx, TimerK, tx.timings.TimeK(tx.reliable))
	return nil
}
