package transaction

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/sip"
)

// ClientTransaction is a client transaction.
// The request is sent when the transaction is started; responses are delivered
// with [ResponseEvent].
type ClientTransaction interface {
	Transaction
}

// clientTransact contains the behavior shared by client INVITE and non-INVITE transactions.
type clientTransact struct {
	*transact
}

func newClientTransact(
	kind Kind,
	impl transactImpl,
	req sip.Request,
	dst netip.AddrPort,
	tp sip.Transport,
	cfg txConfig,
) (clientTransact, error) {
	if req == nil {
		return clientTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}
	if tp == nil {
		return clientTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid transport"))
	}
	if !dst.IsValid() {
		return clientTransact{}, errtrace.Wrap(newInvalidArgumentError("invalid destination address"))
	}
	if req.Method().IsAck() {
		return clientTransact{}, errtrace.Wrap(ErrMethodNotAllowed)
	}
	if req.Method().IsInvite() != kind.IsInvite() {
		return clientTransact{}, errtrace.Wrap(newInvalidArgumentError("%s request in %s transaction", req.Method(), kind))
	}

	key, err := KeyFromRequest(req)
	if err != nil {
		return clientTransact{}, errtrace.Wrap(err)
	}
	if !key.IsRFC3261() {
		return clientTransact{}, errtrace.Wrap(newInvalidArgumentError("client transaction requires RFC 3261 branch"))
	}

	return clientTransact{newTransact(kind, impl, key, req, dst, tp, cfg)}, nil
}

func (tx *clientTransact) processMessage(ctx context.Context, msg sip.Message, src netip.AddrPort) {
	res, ok := msg.(sip.Response)
	if !ok || !res.Status().IsValid() {
		tx.malformed(ctx, cmdMessage{msg, src}) //nolint:errcheck
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "response received",
		slog.Any("transaction", tx),
		slog.String("status", res.Status().String()),
		slog.Any("source", src),
	)

	if res.Status().IsProvisional() {
		tx.fire(ctx, trigRecv1xx, res)
	} else {
		tx.fire(ctx, trigRecvFinal, res)
	}
}

// sendRequest sends the original request.
func (tx *clientTransact) sendRequest(ctx context.Context) error {
	return errtrace.Wrap(tx.send(ctx, tx.req, "send "+string(tx.req.Method())+" request"))
}

// actResend retransmits the request and re-arms the retransmission timer.
func (tx *clientTransact) actResend(name TimerName, next func(time.Duration) time.Duration) func(context.Context, ...any) error {
	return func(ctx context.Context, args ...any) error {
		if err := tx.sendRequest(ctx); err != nil {
			return nil //nolint:nilerr
		}
		tx.metrics.retransmitted(tx.kind, string(name))
		tx.startTimer(ctx, name, next(durationArg(args)))
		return nil
	}
}

// actPassResponse stores the response and delivers it to the TU.
func (tx *clientTransact) actPassResponse(ctx context.Context, args ...any) error {
	res := responseArg(args)
	tx.storeResponse(res)
	tx.publish(ctx, ResponseEvent{ID: tx.key, Response: res})
	return nil
}

func responseArg(args []any) sip.Response {
	if len(args) == 0 {
		return nil
	}
	res, _ := args[0].(sip.Response)
	return res
}

func durationArg(args []any) time.Duration {
	if len(args) == 0 {
		return 0
	}
	d, _ := args[0].(time.Duration)
	return d
}

func isSuccessArg(_ context.Context, args ...any) bool {
	res := responseArg(args)
	return res != nil && res.Status().IsSuccessful()
}

func isFailureArg(ctx context.Context, args ...any) bool {
	return !isSuccessArg(ctx, args...)
}
