package transaction

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/sipcore/sipstack/internal/errorutil"
	"github.com/sipcore/sipstack/internal/syncutil"
	"github.com/sipcore/sipstack/internal/types"
	"github.com/sipcore/sipstack/sip"
)

var (
	_ ClientTransaction = (*ClientInviteTransaction)(nil)
	_ ClientTransaction = (*ClientNonInviteTransaction)(nil)
	_ ServerTransaction = (*ServerInviteTransaction)(nil)
	_ ServerTransaction = (*ServerNonInviteTransaction)(nil)
)

// ServerTransactionHandler is called for every server transaction created by the [Registry].
type ServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)

// Registry matches messages to transactions using the RFC 3261 section 17.1.3 and 17.2.3
// rules and creates server transactions for new requests.
//
// Transactions created by the registry are removed from it when they terminate.
// All methods are safe for concurrent use.
type Registry struct {
	tp      sip.Transport
	opts    RegistryOptions
	log     *slog.Logger
	metrics *Metrics

	clients *syncutil.ShardMap[Key, ClientTransaction]
	servers *syncutil.ShardMap[Key, ServerTransaction]

	hub       eventHub
	onNewSrv  types.CallbackManager[ServerTransactionHandler]
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRegistry creates a new transaction registry that sends messages over tp.
// Options are optional, if nil, default options will be used.
func NewRegistry(tp sip.Transport, opts *RegistryOptions) (*Registry, error) {
	if tp == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid transport"))
	}

	r := &Registry{
		tp:      tp,
		log:     opts.log(),
		metrics: opts.metrics(),
		clients: syncutil.NewShardMap[Key, ClientTransaction](syncutil.ShardsNum(opts.shardsNum()), Key.hash),
		servers: syncutil.NewShardMap[Key, ServerTransaction](syncutil.ShardsNum(opts.shardsNum()), Key.hash),
	}
	if opts != nil {
		r.opts = *opts
	}
	r.hub.log = r.log
	r.hub.metrics = r.metrics
	return r, nil
}

// LogValue implements [slog.LogValuer].
func (r *Registry) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("clients", r.clients.Size()),
		slog.Int("servers", r.servers.Size()),
	)
}

// Subscribe returns the channel of events of all transactions created by the registry,
// including [CreatedEvent] and [UnmatchedMessageEvent].
// The channel is closed when the registry is closed or unsubscribe is called.
func (r *Registry) Subscribe(buf int) (events <-chan Event, unsubscribe func()) {
	return r.hub.subscribe(buf)
}

// OnNewServerTransaction registers a handler that is called for each new server transaction.
// The handler is called after the transaction is started, it must not block.
func (r *Registry) OnNewServerTransaction(fn ServerTransactionHandler) (remove func()) {
	return r.onNewSrv.Add(fn)
}

// Len returns the number of live transactions.
func (r *Registry) Len() int {
	return r.clients.Size() + r.servers.Size()
}

// OnMessage dispatches a message received from the transport.
// Requests are passed to [Registry.FindOrCreateServer], responses to the matching client
// transaction. Responses that match no transaction are reported with [UnmatchedMessageEvent].
func (r *Registry) OnMessage(ctx context.Context, msg sip.Message, src netip.AddrPort) error {
	switch m := msg.(type) {
	case sip.Request:
		_, _, err := r.FindOrCreateServer(ctx, m, src)
		return errtrace.Wrap(err)
	case sip.Response:
		return errtrace.Wrap(r.onResponse(ctx, m, src))
	default:
		return errtrace.Wrap(newInvalidArgumentError("unexpected message type %T", msg))
	}
}

func (r *Registry) onResponse(ctx context.Context, res sip.Response, src netip.AddrPort) error {
	if r.closed.Load() {
		return errtrace.Wrap(ErrRegistryClosed)
	}

	key, err := KeyFromResponse(res)
	if err != nil {
		return errtrace.Wrap(err)
	}

	tx, ok := r.clients.Get(key)
	if !ok {
		r.log.LogAttrs(ctx, slog.LevelDebug, "response matches no transaction",
			slog.Any("key", key),
			slog.String("status", res.Status().String()),
			slog.Any("source", src),
		)
		r.hub.publish(ctx, UnmatchedMessageEvent{Message: res, Source: src})
		return nil
	}
	return errtrace.Wrap(tx.ProcessMessage(ctx, res, src))
}

// FindOrCreateServer passes the request to the matching server transaction or creates a new one.
// The created result is true if a new transaction was created.
//
// An ACK that matches no transaction belongs to the dialog layer (ACK for 2xx response),
// it is reported with [UnmatchedMessageEvent] and nil transaction is returned.
func (r *Registry) FindOrCreateServer(
	ctx context.Context,
	req sip.Request,
	src netip.AddrPort,
) (tx ServerTransaction, created bool, err error) {
	if r.closed.Load() {
		return nil, false, errtrace.Wrap(ErrRegistryClosed)
	}
	if req == nil {
		return nil, false, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}

	key, err := KeyFromRequest(req)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}

	if tx, ok := r.servers.Get(key); ok {
		return tx, false, errtrace.Wrap(tx.ProcessMessage(ctx, req, src))
	}

	if req.Method().IsAck() {
		r.log.LogAttrs(ctx, slog.LevelDebug, "ACK matches no transaction, passing it to the dialog layer",
			slog.Any("key", key),
			slog.Any("source", src),
		)
		r.hub.publish(ctx, UnmatchedMessageEvent{Message: req, Source: src})
		return nil, false, nil
	}

	tx, loaded, err := r.servers.LoadOrStore(key, func() (ServerTransaction, error) {
		// checked under the shard lock, so Close sees every stored transaction
		if r.closed.Load() {
			return nil, errtrace.Wrap(ErrRegistryClosed)
		}
		return errtrace.Wrap2(r.newServerTransaction(key, req, src))
	})
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	if loaded {
		// lost the race, the request is a retransmission for the winner
		return tx, false, errtrace.Wrap(tx.ProcessMessage(ctx, req, src))
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created", slog.Any("transaction", tx))
	r.hub.publish(ctx, CreatedEvent{ID: key, Kind: tx.Kind()})
	tx.Start()

	for fn := range r.onNewSrv.All() {
		fn(ctx, tx)
	}
	return tx, true, nil
}

func (r *Registry) newServerTransaction(key Key, req sip.Request, src netip.AddrPort) (ServerTransaction, error) {
	var tx ServerTransaction
	cfg := r.txConfig()
	cfg.onTerminate = func() {
		r.servers.CompareAndDelete(key, func(v ServerTransaction) bool { return v == tx })
	}

	var err error
	if req.Method().IsInvite() {
		tx, err = newServerInvite(req, src, r.tp, r.opts.tryingBuilder(), cfg)
	} else {
		tx, err = newServerNonInvite(req, src, r.tp, cfg)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendRequest creates and starts the client transaction for the request.
// The request must have a topmost Via with an RFC 3261 branch, see [sip.GenerateBranch].
//
// Options override the registry options, zero fields are taken from the registry options.
// ACK requests are rejected with [ErrMethodNotAllowed], a request with the key of a live client
// transaction is rejected with [ErrTransactionExists].
func (r *Registry) SendRequest(
	ctx context.Context,
	req sip.Request,
	dst netip.AddrPort,
	opts *ClientOptions,
) (ClientTransaction, error) {
	if r.closed.Load() {
		return nil, errtrace.Wrap(ErrRegistryClosed)
	}
	if req == nil {
		return nil, errtrace.Wrap(newInvalidArgumentError("invalid request"))
	}
	if req.Method().IsAck() {
		return nil, errtrace.Wrap(ErrMethodNotAllowed)
	}

	key, err := KeyFromRequest(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !key.IsRFC3261() {
		return nil, errtrace.Wrap(newInvalidArgumentError("client transaction requires RFC 3261 branch"))
	}

	tx, loaded, err := r.clients.LoadOrStore(key, func() (ClientTransaction, error) {
		if r.closed.Load() {
			return nil, errtrace.Wrap(ErrRegistryClosed)
		}
		return errtrace.Wrap2(r.newClientTransaction(key, req, dst, opts))
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if loaded {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "key %s", key))
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created", slog.Any("transaction", tx))
	r.hub.publish(ctx, CreatedEvent{ID: key, Kind: tx.Kind()})
	tx.Start()
	return tx, nil
}

func (r *Registry) newClientTransaction(
	key Key,
	req sip.Request,
	dst netip.AddrPort,
	opts *ClientOptions,
) (ClientTransaction, error) {
	var tx ClientTransaction
	cfg := r.txConfig()
	ackBuilder := r.opts.ackBuilder()
	if opts != nil {
		if !opts.Timings.IsZero() {
			cfg.timings = opts.Timings
		}
		if opts.QueueSize > 0 {
			cfg.queueSize = opts.QueueSize
		}
		if opts.StaleTimeout != 0 {
			cfg.staleTimeout = opts.StaleTimeout
		}
		if opts.Log != nil {
			cfg.log = opts.Log
		}
		if opts.Metrics != nil {
			cfg.metrics = opts.Metrics
		}
		if opts.AckBuilder != nil {
			ackBuilder = opts.AckBuilder
		}
	}
	cfg.onTerminate = func() {
		r.clients.CompareAndDelete(key, func(v ClientTransaction) bool { return v == tx })
	}

	var err error
	if req.Method().IsInvite() {
		tx, err = newClientInvite(req, dst, r.tp, ackBuilder, cfg)
	} else {
		tx, err = newClientNonInvite(req, dst, r.tp, cfg)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

func (r *Registry) txConfig() txConfig {
	return txConfig{
		timings:      r.opts.timings(),
		queueSize:    r.opts.queueSize(),
		staleTimeout: r.opts.staleTimeout(),
		log:          r.log,
		metrics:      r.metrics,
		parent:       &r.hub,
	}
}

// RegisterClient adds a client transaction created outside of the registry,
// so responses received with [Registry.OnMessage] are routed to it.
// The transaction is started if it was not started yet and is removed from the registry
// when it terminates.
func (r *Registry) RegisterClient(tx ClientTransaction) error {
	if r.closed.Load() {
		return errtrace.Wrap(ErrRegistryClosed)
	}
	if tx == nil {
		return errtrace.Wrap(newInvalidArgumentError("invalid transaction"))
	}

	key := tx.Key()
	_, loaded, err := r.clients.LoadOrStore(key, func() (ClientTransaction, error) {
		if r.closed.Load() {
			return nil, errtrace.Wrap(ErrRegistryClosed)
		}
		return tx, nil
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	if loaded {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionExists, "key %s", key))
	}

	tx.Start()
	go func() {
		<-tx.Done()
		r.clients.CompareAndDelete(key, func(v ClientTransaction) bool { return v == tx })
	}()
	return nil
}

// Remove removes the transaction with the given key from the registry without terminating it.
// It reports whether a transaction was removed.
func (r *Registry) Remove(key Key) bool {
	_, okc := r.clients.Del(key)
	_, oks := r.servers.Del(key)
	return okc || oks
}

// Client returns the client transaction with the given key.
func (r *Registry) Client(key Key) (ClientTransaction, bool) {
	return r.clients.Get(key)
}

// Server returns the server transaction with the given key.
func (r *Registry) Server(key Key) (ServerTransaction, bool) {
	return r.servers.Get(key)
}

// MatchCancel returns the server INVITE transaction cancelled by the CANCEL request
// (RFC 3261 section 9.2).
func (r *Registry) MatchCancel(cancel sip.Request) (ServerTransaction, error) {
	if cancel == nil || !cancel.Method().IsCancel() {
		return nil, errtrace.Wrap(newInvalidArgumentError("CANCEL request expected"))
	}

	key, err := keyForCancel(cancel)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx, ok := r.servers.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// Close terminates all live transactions and waits until they are done or ctx is done.
// The registry rejects new messages after Close.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		var txs []Transaction
		for _, tx := range r.clients.Items() {
			txs = append(txs, tx)
		}
		for _, tx := range r.servers.Items() {
			txs = append(txs, tx)
		}

		for _, tx := range txs {
			if err := tx.Terminate(ctx); err != nil && !errors.Is(err, ErrTransactionTerminated) {
				errs = append(errs, errtrace.Errorf("terminate %s: %w", tx.ID(), err))
			}
		}
		for _, tx := range txs {
			select {
			case <-tx.Done():
			case <-ctx.Done():
				errs = append(errs, errtrace.Wrap(ctx.Err()))
				r.hub.close()
				return
			}
		}

		r.log.LogAttrs(ctx, slog.LevelDebug, "transaction registry closed", slog.Int("transactions", len(txs)))
		r.hub.close()
	})
	return errtrace.Wrap(errorutil.JoinPrefix("close transaction registry:", errs...))
}
