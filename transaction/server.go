package transaction

import (
	"context"
	"log/slog"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ServerTransaction is a server transaction.
// Requests retransmitted by the remote side are absorbed by the transaction,
// the TU only sends responses.
type ServerTransaction interface {
	Transaction
	// SendResponse sends the response through the transaction and waits until it is sent
	// or ctx is done.
	SendResponse(ctx context.Context, res sip.Response) error
}

// serverTransact contains the behavior shared by server INVITE and non-INVITE transactions.
type serverTransact struct {
	*transact
}

func newServerTransact(
	kind Kind,
	impl transactImpl,
	req sip.Request,
	src netip.AddrPort,
	tp sip.Transport,
	cfg txConfig,
) (serverTransact, error) {
	if req == nil {
		return serverTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}
	if tp == nil {
		return serverTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid transport"))
	}
	if !src.IsValid() {
		return serverTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid source address"))
	}
	if req.Method().IsAck() {
		return serverTransact{}, errtrace.Wrap(ErrMethodNotAllowed)
	}
	if req.Method().IsInvite() != kind.IsInvite() {
		return serverTransact{}, errtrace.Wrap(newInvalidArgumentError("%s request in %s transaction", req.Method(), kind))
	}

	key, err := KeyFromRequest(req)
	if err != nil {
		return serverTransact{}, errtrace.Wrap(err)
	}
	return serverTransact{newTransact(kind, impl, key, req, src, tp, cfg)}, nil
}

// SendResponse sends the response through the transaction.
//
// Provisional responses keep the transaction in Proceeding, final responses complete it.
// A final response sent again to a completed transaction retransmits the stored final response.
// A provisional response after the final one fails with [ErrInvalidStateTransition].
func (tx *serverTransact) SendResponse(ctx context.Context, res sip.Response) error {
	if res == nil || !res.Status().IsValid() {
		return errtrace.Wrap(newInvalidArgumentError("invalid response"))
	}
	reply := make(chan error, 1)
	if err := tx.enqueue(ctx, cmdSendResponse{res, reply}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.wait(ctx, reply))
}

func (tx *serverTransact) sendResponse(ctx context.Context, res sip.Response) error {
	if res.Status().IsProvisional() {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, trigSend1xx, res))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, trigSendFinal, res))
}

// processMessage handles requests retransmitted by the remote side.
func (tx *serverTransact) processMessage(ctx context.Context, msg sip.Message, src netip.AddrPort) {
	req, ok := msg.(sip.Request)
	if !ok {
		tx.malformed(ctx, cmdMessage{msg, src}) //nolint:errcheck
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "request received",
		slog.Any("transaction", tx),
		slog.String("method", string(req.Method())),
		slog.Any("source", src),
	)

	if req.Method().IsAck() {
		tx.fire(ctx, trigRecvAck, req)
	} else {
		tx.fire(ctx, trigRecvReq, req)
	}
}

// actSendResponse stores and sends the response passed with the trigger.
func (tx *serverTransact) actSendResponse(ctx context.Context, args ...any) error {
	res := responseArg(args)
	tx.storeResponse(res)
	tx.send(ctx, res, "send "+res.Status().String()+" response") //nolint:errcheck
	return nil
}

// actResendResponse retransmits the last response.
func (tx *serverTransact) actResendResponse(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}
	tx.log.LogAttrs(ctx, slog.LevelDebug, "request retransmission absorbed, resending last response",
		slog.Any("transaction", tx),
		slog.String("status", res.Status().String()),
	)
	tx.send(ctx, res, "resend "+res.Status().String()+" response") //nolint:errcheck
	return nil
}
