package transaction

import (
	"context"
	"log/slog"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/sipcore/sipstack/internal/errorutil"
	"github.com/sipcore/sipstack/internal/types"
	"github.com/sipcore/sipstack/sip"
)

// Transaction is a SIP transaction as defined in RFC 3261 section 17.
//
// All query methods are safe to call from any goroutine.
// Commands are processed by the transaction loop in the order they were accepted.
type Transaction interface {
	// Key returns the transaction key.
	Key() Key
	// ID returns the string form of the transaction key.
	ID() string
	// Kind returns the transaction kind.
	Kind() Kind
	// State returns the current transaction state.
	State() State
	// RemoteAddr returns the address of the remote side.
	RemoteAddr() netip.AddrPort
	// Request returns the request that created the transaction.
	Request() sip.Request
	// LastResponse returns the last response sent or received by the transaction.
	LastResponse() sip.Response
	// CreatedAt returns the transaction creation time.
	CreatedAt() time.Time
	// Start starts the transaction loop. It is a no-op on a started transaction.
	// Transactions created by [Registry] are already started.
	Start()
	// ProcessMessage queues a message received from the remote side.
	// It does not wait for the message to be processed.
	ProcessMessage(ctx context.Context, msg sip.Message, src netip.AddrPort) error
	// Terminate moves the transaction to the Terminated state and waits until the command
	// is processed or ctx is done.
	// A transaction that was never started is terminated without sending anything.
	Terminate(ctx context.Context) error
	// Subscribe returns a channel of transaction events.
	// The channel is closed after [TerminatedEvent] or when unsubscribe is called.
	// Events are dropped if the channel buffer is full.
	Subscribe(buf int) (events <-chan Event, unsubscribe func())
	// Done returns a channel that is closed when the transaction has terminated.
	Done() <-chan struct{}
	// Err returns the termination cause after Done is closed.
	// It is nil for normal completion and explicit termination.
	Err() error

	slog.LogValuer
}

const (
	trigTerminate    = "terminate"
	trigTransportErr = "transport_error"
	trigRecv1xx      = "recv_1xx"
	trigRecvFinal    = "recv_final"
	trigRecvReq      = "recv_req"
	trigRecvAck      = "recv_ack"
	trigSend1xx      = "send_1xx"
	trigSendFinal    = "send_final"
)

type transactImpl interface {
	// start runs first in the transaction loop.
	start(ctx context.Context)
	// processMessage handles a message from the remote side.
	processMessage(ctx context.Context, msg sip.Message, src netip.AddrPort)
	initFSM()
}

type errBox struct{ err error }

// transact is the state shared by all transaction kinds.
// Fields without the loop-only remark are immutable after creation or accessed atomically.
type transact struct {
	impl      transactImpl
	kind      Kind
	key       Key
	req       sip.Request
	remote    netip.AddrPort
	tp        sip.Transport
	reliable  bool
	timings   TimingConfig
	stale     time.Duration
	createdAt time.Time
	log       *slog.Logger
	metrics   *Metrics
	parent    *eventHub
	onTerm    func()

	state   atomic.Value
	lastRes atomic.Pointer[sip.Response]
	err     atomic.Pointer[errBox]

	cmds      chan command
	hub       eventHub
	startOnce sync.Once
	loopDone  chan struct{}
	done      chan struct{}

	// loop-only
	fsm     *stateless.StateMachine
	timers  *timerSet
	pending types.Queue[command]
	reason  string
	cause   error
	sendErr error
}

func newTransact(
	kind Kind,
	impl transactImpl,
	key Key,
	req sip.Request,
	remote netip.AddrPort,
	tp sip.Transport,
	cfg txConfig,
) *transact {
	tx := &transact{
		impl:      impl,
		kind:      kind,
		key:       key,
		req:       req,
		remote:    remote,
		tp:        tp,
		reliable:  tp.Reliable(),
		timings:   cfg.timings,
		stale:     cfg.staleTimeout,
		createdAt: time.Now(),
		log:       cfg.log,
		metrics:   cfg.metrics,
		parent:    cfg.parent,
		onTerm:    cfg.onTerminate,
		cmds:      make(chan command, cfg.queueSize),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	tx.hub.log = cfg.log
	tx.hub.metrics = cfg.metrics
	tx.state.Store(kind.InitialState())
	tx.timers = newTimerSet(tx.enqueueTimer, tx.pendTimer)
	return tx
}

// LogValue implements [slog.LogValuer].
func (tx *transact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("kind", tx.kind.String()),
		slog.String("state", tx.State().String()),
	)
}

// Key returns the transaction key.
func (tx *transact) Key() Key { return tx.key }

// ID returns the string form of the transaction key.
func (tx *transact) ID() string { return tx.key.String() }

// Kind returns the transaction kind.
func (tx *transact) Kind() Kind { return tx.kind }

// State returns the current transaction state.
func (tx *transact) State() State {
	return tx.state.Load().(State) //nolint:forcetypeassert
}

// RemoteAddr returns the address of the remote side.
func (tx *transact) RemoteAddr() netip.AddrPort { return tx.remote }

// Request returns the request that created the transaction.
func (tx *transact) Request() sip.Request { return tx.req }

// LastResponse returns the last response sent or received by the transaction.
func (tx *transact) LastResponse() sip.Response {
	if res := tx.lastRes.Load(); res != nil {
		return *res
	}
	return nil
}

// CreatedAt returns the transaction creation time.
func (tx *transact) CreatedAt() time.Time { return tx.createdAt }

// Done returns a channel that is closed when the transaction has terminated.
func (tx *transact) Done() <-chan struct{} { return tx.done }

// Err returns the termination cause.
func (tx *transact) Err() error {
	if b := tx.err.Load(); b != nil {
		return b.err
	}
	return nil
}

// Subscribe returns a channel of transaction events.
func (tx *transact) Subscribe(buf int) (<-chan Event, func()) {
	return tx.hub.subscribe(buf)
}

// Start starts the transaction loop.
func (tx *transact) Start() {
	tx.startOnce.Do(func() { tx.launch(true) })
}

func (tx *transact) launch(active bool) {
	tx.metrics.txCreated(tx.kind)
	go tx.run(active)
}

// ProcessMessage queues a message received from the remote side.
func (tx *transact) ProcessMessage(ctx context.Context, msg sip.Message, src netip.AddrPort) error {
	if msg == nil {
		return errtrace.Wrap(newInvalidArgumentError("invalid message"))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(tx.enqueue(ctx, cmdMessage{msg, src}))
}

// Terminate moves the transaction to the Terminated state.
func (tx *transact) Terminate(ctx context.Context) error {
	reply := make(chan error, 1)
	cmd := cmdTerminate{reply}

	var queued bool
	tx.startOnce.Do(func() {
		// never started: the loop only processes the termination
		tx.pending.Push(cmd)
		queued = true
		tx.launch(false)
	})
	if !queued {
		if err := tx.enqueue(ctx, cmd); err != nil {
			return errtrace.Wrap(err)
		}
	}
	return errtrace.Wrap(tx.wait(ctx, reply))
}

// enqueue adds the command to the queue without blocking.
func (tx *transact) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-tx.loopDone:
		return errtrace.Wrap(ErrTransactionTerminated)
	default:
	}

	select {
	case tx.cmds <- cmd:
		return nil
	default:
		tx.metrics.queueRejected()
		tx.log.LogAttrs(ctx, slog.LevelWarn, "transaction queue is full, command rejected",
			slog.Any("transaction", tx),
			slog.String("command", cmd.String()),
		)
		return errtrace.Wrap(ErrQueueFull)
	}
}

// wait waits for the reply of a synchronous command.
func (tx *transact) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return errtrace.Wrap(err)
	case <-tx.loopDone:
		select {
		case err := <-reply:
			return errtrace.Wrap(err)
		default:
			return errtrace.Wrap(ErrTransactionTerminated)
		}
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// enqueueTimer is called from timer goroutines.
// It blocks until the command is accepted or the loop exits.
func (tx *transact) enqueueTimer(name TimerName, gen uint64) {
	select {
	case tx.cmds <- cmdTimer{name, gen}:
	case <-tx.loopDone:
	}
}

// pendTimer is called from the loop for timers that expire immediately.
func (tx *transact) pendTimer(name TimerName, gen uint64) {
	tx.pending.Push(cmdTimer{name, gen})
}

// run is the transaction loop.
// An inactive loop skips the initial actions and only drains the queued commands.
func (tx *transact) run(active bool) {
	ctx := context.Background()
	defer tx.finish(ctx)

	if active {
		tx.impl.start(ctx)
		// a failed initial send terminates the transaction without any timer
		if tx.stale > 0 && tx.sendErr == nil && !tx.State().IsTerminal() {
			tx.startTimer(ctx, TimerStale, tx.stale)
		}
	}

	for !tx.State().IsTerminal() {
		cmd, ok := tx.pending.Pop()
		if !ok {
			cmd = <-tx.cmds
		}
		tx.handle(ctx, cmd)
	}
}

func (tx *transact) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdTimer:
		tx.handleTimer(ctx, c)
	case cmdMessage:
		tx.impl.processMessage(ctx, c.msg, c.src)
	case cmdSendResponse:
		srv, ok := tx.impl.(interface {
			sendResponse(ctx context.Context, res sip.Response) error
		})
		if !ok {
			c.reply <- tx.malformed(ctx, cmd)
			return
		}
		tx.sendErr = nil
		err := srv.sendResponse(ctx, c.res)
		if err == nil {
			err = tx.sendErr
		}
		c.reply <- err
	case cmdTerminate:
		tx.reason = reasonTerminated
		c.reply <- errtrace.Wrap(tx.fsm.FireCtx(ctx, trigTerminate))
	case cmdTransportError:
		tx.publish(ctx, TransportErrorEvent{ID: tx.key, Err: c.err})
		tx.reason, tx.cause = reasonTransportError, c.err
		tx.fire(ctx, trigTransportErr)
	default:
		tx.malformed(ctx, cmd) //nolint:errcheck
	}
}

func (tx *transact) handleTimer(ctx context.Context, c cmdTimer) {
	interval, ok := tx.timers.expire(c.name, c.gen)
	if !ok {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "stale timer firing discarded",
			slog.Any("transaction", tx),
			slog.String("timer", c.name.String()),
		)
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, c.name.String()+" expired", slog.Any("transaction", tx))
	tx.publish(ctx, TimerTriggeredEvent{ID: tx.key, Timer: c.name})

	switch {
	case c.name == TimerStale:
		tx.log.LogAttrs(ctx, slog.LevelWarn, "stale transaction terminated", slog.Any("transaction", tx))
		tx.reason = reasonStale
		tx.fire(ctx, trigTerminate)
		return
	case c.name.isTimeout():
		err := errorutil.NewWrapperError(ErrTransactionTimedOut, "%s expired in %s state", c.name, tx.State())
		tx.publish(ctx, ErrorEvent{ID: tx.key, Err: err})
		tx.reason, tx.cause = reasonTimeout, err
	}
	tx.fire(ctx, c.name, interval)
}

func (tx *transact) malformed(ctx context.Context, cmd command) error {
	err := errorutil.NewWrapperError(ErrMalformedCommand, "%s in %s transaction", cmd, tx.kind)
	tx.log.LogAttrs(ctx, slog.LevelWarn, "command ignored",
		slog.Any("transaction", tx),
		slog.Any("error", err),
	)
	return errtrace.Wrap(err)
}

// fire fires the trigger and logs the error.
// Used for triggers whose rejection is not reported to anyone.
func (tx *transact) fire(ctx context.Context, trigger any, args ...any) {
	if err := tx.fsm.FireCtx(ctx, trigger, args...); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "trigger rejected",
			slog.Any("transaction", tx),
			slog.Any("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

func (tx *transact) finish(ctx context.Context) {
	tx.timers.stopAll()
	close(tx.loopDone)

	if tx.onTerm != nil {
		tx.onTerm()
	}
	tx.metrics.txTerminated(tx.kind, tx.reason)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated",
		slog.Any("transaction", tx),
		slog.String("reason", tx.reason),
	)

	tx.publish(ctx, TerminatedEvent{ID: tx.key, Err: tx.cause})
	tx.hub.close()
	close(tx.done)
}

func (tx *transact) publish(ctx context.Context, evt Event) {
	tx.hub.publish(ctx, evt)
	if tx.parent != nil {
		tx.parent.publish(ctx, evt)
	}
}

// send passes the message to the transport.
// A failure is queued as transport error command and terminates the transaction.
func (tx *transact) send(ctx context.Context, msg sip.Message, op string) error {
	if err := tx.tp.SendMessage(ctx, msg, tx.remote); err != nil {
		terr := &TransportError{Op: op, Addr: tx.remote, Err: err}
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send message",
			slog.Any("transaction", tx),
			slog.Any("error", terr),
		)
		tx.sendErr = terr
		tx.pending.Push(cmdTransportError{terr})
		return errtrace.Wrap(terr)
	}
	return nil
}

func (tx *transact) startTimer(ctx context.Context, name TimerName, d time.Duration) {
	tx.timers.start(name, d)
	tx.log.LogAttrs(ctx, slog.LevelDebug, name.String()+" started",
		slog.Any("transaction", tx),
		slog.Duration("duration", d),
	)
}

func (tx *transact) stopTimer(ctx context.Context, name TimerName) {
	if tx.timers.stop(name) {
		tx.log.LogAttrs(ctx, slog.LevelDebug, name.String()+" stopped", slog.Any("transaction", tx))
	}
}

func (tx *transact) storeResponse(res sip.Response) {
	tx.lastRes.Store(&res)
}

// initFSM creates the state machine with the configuration shared by all kinds.
func (tx *transact) initFSM() {
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return tx.State(), nil },
		tx.setState,
		stateless.FiringImmediate,
	)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(newInvalidStateTransitionError("%v is not allowed in %v state of %s transaction",
			trigger, state, tx.kind))
	})

	durType := reflect.TypeFor[time.Duration]()
	for _, name := range []TimerName{TimerA, TimerB, TimerD, TimerE, TimerF, TimerG, TimerH, TimerI, TimerJ, TimerK, Timer100} {
		tx.fsm.SetTriggerParameters(name, durType)
	}

	tx.fsm.Configure(StateTerminated).
		OnEntry(tx.actTerminated)
}

// configure returns the configuration of a non-terminal state.
// Explicit termination and transport errors lead to Terminated from every such state.
func (tx *transact) configure(state State) *stateless.StateConfiguration {
	return tx.fsm.Configure(state).
		Permit(trigTerminate, StateTerminated).
		Permit(trigTransportErr, StateTerminated)
}

// setState is the state machine storage mutator.
// Every state change is checked against the legal edges of the transaction kind.
func (tx *transact) setState(ctx context.Context, s stateless.State) error {
	to, ok := s.(State)
	if !ok {
		return errtrace.Wrap(newInvalidArgumentError("unexpected state %v", s))
	}
	from := tx.State()
	if err := ValidateTransition(tx.kind, from, to); err != nil {
		return errtrace.Wrap(err)
	}

	tx.state.Store(to)
	tx.metrics.transitioned(tx.kind, from, to)
	if to == StateCompleted || to == StateConfirmed {
		tx.stopTimer(ctx, TimerStale)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	tx.publish(ctx, StateChangedEvent{ID: tx.key, Kind: tx.kind, Prev: from, New: to})
	return nil
}

func (tx *transact) actTerminated(ctx context.Context, _ ...any) error {
	tx.timers.stopAll()
	if tx.reason == "" {
		tx.reason = reasonNormal
	}
	tx.err.Store(&errBox{tx.cause})
	return nil
}
