package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ServerInviteTransaction is the RFC 3261 INVITE server transaction (section 17.2.1).
type ServerInviteTransaction struct {
	serverTransact

	tryingBuilder TryingBuilder
}

// NewServerInviteTransaction creates a new INVITE server transaction for the request received from src.
// The transaction is not started, call [ServerInviteTransaction.Start] to run it.
// Options are optional, if nil, default options will be used.
func NewServerInviteTransaction(
	req sip.Request,
	src netip.AddrPort,
	tp sip.Transport,
	opts *ServerOptions,
) (*ServerInviteTransaction, error) {
	return errtrace.Wrap2(newServerInvite(req, src, tp, opts.tryingBuilder(), opts.config()))
}

func newServerInvite(
	req sip.Request,
	src netip.AddrPort,
	tp sip.Transport,
	tryingBuilder TryingBuilder,
	cfg txConfig,
) (*ServerInviteTransaction, error) {
	tx := &ServerInviteTransaction{tryingBuilder: tryingBuilder}
	st, err := newServerTransact(KindServerInvite, tx, req, src, tp, cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = st
	tx.initFSM()
	return tx, nil
}

func (tx *ServerInviteTransaction) initFSM() {
	tx.transact.initFSM()

	tx.configure(StateProceeding).
		InternalTransition(trigRecvReq, tx.actResendResponse).
		InternalTransition(trigSend1xx, tx.actSendProvisional).
		InternalTransition(Timer100, tx.actSendTrying).
		Ignore(trigRecvAck).
		Permit(trigSendFinal, StateCompleted, isFailureArg).
		Permit(trigSendFinal, StateTerminated, isSuccessArg)

	tx.configure(StateCompleted).
		OnEntryFrom(trigSendFinal, tx.actCompleted).
		InternalTransition(trigRecvReq, tx.actResendResponse).
		InternalTransition(trigSendFinal, tx.actResendResponse).
		InternalTransition(TimerG, tx.actRetransmitFinal).
		Ignore(Timer100).
		Permit(trigRecvAck, StateConfirmed).
		Permit(TimerH, StateTerminated)

	tx.configure(StateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(trigRecvReq).
		Ignore(trigRecvAck).
		Ignore(TimerG).
		Ignore(Timer100).
		Permit(TimerI, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(trigSendFinal, tx.actSendResponse)
}

func (tx *ServerInviteTransaction) start(ctx context.Context) {
	if tx.tryingBuilder != nil {
		tx.startTimer(ctx, Timer100, tx.timings.Time100())
	}
}

func (tx *ServerInviteTransaction) actSendProvisional(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, Timer100)
	return errtrace.Wrap(tx.actSendResponse(ctx, args...))
}

// actSendTrying sends 100 Trying if the TU has not responded yet.
func (tx *ServerInviteTransaction) actSendTrying(ctx context.Context, _ ...any) error {
	if tx.LastResponse() != nil {
		return nil
	}
	res, err := tx.tryingBuilder(tx.req)
	if err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to build 100 Trying response",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return nil
	}
	return errtrace.Wrap(tx.actSendResponse(ctx, res))
}

func (tx *ServerInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, Timer100)
	if err := tx.actSendResponse(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}
	if !tx.reliable {
		tx.startTimer(ctx, TimerG, tx.timings.TimeG())
	}
	tx.startTimer(ctx, TimerH, tx.timings.TimeH())
	return nil
}

func (tx *ServerInviteTransaction) actRetransmitFinal(ctx context.Context, args ...any) error {
	res := tx.LastResponse()
	if err := tx.send(ctx, res, "resend "+res.Status().String()+" response"); err != nil {
		return nil //nolint:nilerr
	}
	tx.metrics.retransmitted(tx.kind, string(TimerG))
	tx.startTimer(ctx, TimerG, tx.timings.NextRetransmit(durationArg(args)))
	return nil
}

func (tx *ServerInviteTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, TimerG)
	tx.stopTimer(ctx, TimerH)
	tx.startTimer(ctx, TimerI, tx.timings.TimeI(tx.reliable))
	return nil
}
