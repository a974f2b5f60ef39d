package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ClientInviteTransaction is the RFC 3261 INVITE client transaction (section 17.1.1).
type ClientInviteTransaction struct {
	clientTransact

	ackBuilder AckBuilder
	// ack is built once for the first non-2xx final response, loop-only.
	ack sip.Request
}

// NewClientInviteTransaction creates a new INVITE client transaction.
// The transaction is not started, call [ClientInviteTransaction.Start] to send the request.
//
// The request must have a topmost Via with an RFC 3261 branch.
// Options are optional, if nil, default options will be used.
func NewClientInviteTransaction(
	req sip.Request,
	dst netip.AddrPort,
	tp sip.Transport,
	opts *ClientOptions,
) (*ClientInviteTransaction, error) {
	return errtrace.Wrap2(newClientInvite(req, dst, tp, opts.ackBuilder(), opts.config()))
}

func newClientInvite(
	req sip.Request,
	dst netip.AddrPort,
	tp sip.Transport,
	ackBuilder AckBuilder,
	cfg txConfig,
) (*ClientInviteTransaction, error) {
	tx := &ClientInviteTransaction{ackBuilder: ackBuilder}
	ct, err := newClientTransact(KindClientInvite, tx, req, dst, tp, cfg)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = ct
	tx.initFSM()
	return tx, nil
}

func (tx *ClientInviteTransaction) initFSM() {
	tx.transact.initFSM()

	tx.configure(StateCalling).
		InternalTransition(TimerA, tx.actResend(TimerA, tx.timings.NextRetransmit)).
		Permit(trigRecv1xx, StateProceeding).
		Permit(trigRecvFinal, StateCompleted, isFailureArg).
		Permit(trigRecvFinal, StateTerminated, isSuccessArg).
		Permit(TimerB, StateTerminated)

	tx.configure(StateProceeding).
		OnEntryFrom(trigRecv1xx, tx.actProceeding).
		InternalTransition(trigRecv1xx, tx.actPassResponse).
		Ignore(TimerA).
		Permit(trigRecvFinal, StateCompleted, isFailureArg).
		Permit(trigRecvFinal, StateTerminated, isSuccessArg).
		Permit(TimerB, StateTerminated)

	tx.configure(StateCompleted).
		OnEntryFrom(trigRecvFinal, tx.actCompleted).
		InternalTransition(trigRecvFinal, tx.actResendAck).
		Ignore(trigRecv1xx).
		Ignore(TimerA).
		Ignore(TimerB).
		Permit(TimerD, StateTerminated)

	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(trigRecvFinal, tx.actPassResponse)
}

func (tx *ClientInviteTransaction) start(ctx context.Context) {
	if err := tx.sendRequest(ctx); err != nil {
		return
	}
	if !tx.reliable {
		tx.startTimer(ctx, TimerA, tx.timings.TimeA())
	}
	tx.startTimer(ctx, TimerB, tx.timings.TimeB())
}

func (tx *ClientInviteTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, TimerA)
	return errtrace.Wrap(tx.actPassResponse(ctx, args...))
}

func (tx *ClientInviteTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, TimerA)
	tx.stopTimer(ctx, TimerB)
	if err := tx.actPassResponse(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}
	tx.sendAck(ctx, responseArg(args))
	tx.startTimer(ctx, TimerD, tx.timings.TimeD(tx.reliable))
	return nil
}

// actResendAck handles a retransmitted non-2xx final response.
func (tx *ClientInviteTransaction) actResendAck(ctx context.Context, args ...any) error {
	res := responseArg(args)
	if res == nil || res.Status().IsSuccessful() {
		return nil
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "final response retransmission absorbed",
		slog.Any("transaction", tx),
		slog.String("status", res.Status().String()),
	)
	tx.sendAck(ctx, res)
	return nil
}

// sendAck signals the TU that the ACK is required and sends it if the ACK builder is set.
func (tx *ClientInviteTransaction) sendAck(ctx context.Context, res sip.Response) {
	tx.publish(ctx, AckRequiredEvent{ID: tx.key, Response: res})

	if tx.ackBuilder == nil {
		return
	}
	if tx.ack == nil {
		ack, err := tx.ackBuilder(tx.req, res)
		if err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to build ACK request",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			return
		}
		tx.ack = ack
	}
	tx.send(ctx, tx.ack, "send ACK request") //nolint:errcheck
}
