package transaction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sipcore/sipstack/internal/testutil"
	"github.com/sipcore/sipstack/log"
	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/transaction"
)

func newRegistry(tb testing.TB, tp sip.Transport, opts *transaction.RegistryOptions) *transaction.Registry {
	tb.Helper()

	if opts == nil {
		opts = &transaction.RegistryOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = fastTimings
	}
	if opts.Log == nil {
		opts.Log = log.Noop
	}
	r, err := transaction.NewRegistry(tp, opts)
	if err != nil {
		tb.Fatalf("NewRegistry() error = %v, want nil", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := r.Close(ctx); err != nil {
			tb.Errorf("r.Close() error = %v, want nil", err)
		}
	})
	return r
}

func TestNewRegistry_NilTransport(t *testing.T) {
	t.Parallel()

	_, err := transaction.NewRegistry(nil, nil)
	if diff := cmp.Diff(err, transaction.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("NewRegistry(nil) error = %v, want %v", err, transaction.ErrInvalidArgument)
	}
}

func TestRegistry_FindOrCreateServer(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	events, _ := r.Subscribe(64)
	ctx := t.Context()

	var handled atomic.Int32
	r.OnNewServerTransaction(func(_ context.Context, tx transaction.ServerTransaction) {
		if tx.Kind() == transaction.KindServerInvite {
			handled.Add(1)
		}
	})

	invite := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	tx, created, err := r.FindOrCreateServer(ctx, invite, clientAddr)
	if err != nil || !created {
		t.Fatalf("r.FindOrCreateServer(INVITE) = %v, %v, want new transaction", created, err)
	}
	if got, want := tx.Kind(), transaction.KindServerInvite; got != want {
		t.Errorf("tx.Kind() = %s, want %s", got, want)
	}
	if got, want := handled.Load(), int32(1); got != want {
		t.Errorf("OnNewServerTransaction called %d times, want %d", got, want)
	}
	evt := waitEvent(t, events, func(evt transaction.Event) bool {
		_, ok := evt.(transaction.CreatedEvent)
		return ok
	})
	if diff := cmp.Diff(evt, transaction.Event(transaction.CreatedEvent{ID: tx.Key(), Kind: transaction.KindServerInvite})); diff != "" {
		t.Errorf("CreatedEvent mismatch\ndiff (-got +want):\n%v", diff)
	}

	// retransmission
	same, created, err := r.FindOrCreateServer(ctx, invite.Clone(), clientAddr)
	if err != nil || created {
		t.Fatalf("r.FindOrCreateServer(INVITE retransmission) = %v, %v, want existing transaction", created, err)
	}
	if same != tx {
		t.Error("r.FindOrCreateServer(INVITE retransmission) returned another transaction")
	}

	register := testutil.NewRequest(sip.RequestMethodRegister, sip.GenerateBranch())
	ntx, created, err := r.FindOrCreateServer(ctx, register, clientAddr)
	if err != nil || !created {
		t.Fatalf("r.FindOrCreateServer(REGISTER) = %v, %v, want new transaction", created, err)
	}
	if got, want := ntx.Kind(), transaction.KindServerNonInvite; got != want {
		t.Errorf("ntx.Kind() = %s, want %s", got, want)
	}
	if got, want := r.Len(), 2; got != want {
		t.Errorf("r.Len() = %d, want %d", got, want)
	}
	if got, want := handled.Load(), int32(1); got != want {
		t.Errorf("OnNewServerTransaction called %d times for INVITE, want %d", got, want)
	}
}

func TestRegistry_FindOrCreateServer_Race(t *testing.T) {
	t.Parallel()

	const workers = 16

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	ctx := t.Context()
	req := testutil.NewRequest(sip.RequestMethodOptions, sip.GenerateBranch())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		txs     = map[transaction.ServerTransaction]struct{}{}
		created atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tx, ok, err := r.FindOrCreateServer(ctx, req.Clone(), clientAddr)
			if err != nil {
				t.Errorf("r.FindOrCreateServer() error = %v, want nil", err)
				return
			}
			if ok {
				created.Add(1)
			}
			mu.Lock()
			txs[tx] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("created %d transactions, want 1", got)
	}
	if len(txs) != 1 {
		t.Errorf("got %d distinct transactions, want 1", len(txs))
	}
	if got := r.Len(); got != 1 {
		t.Errorf("r.Len() = %d, want 1", got)
	}
}

func TestRegistry_UnmatchedMessages(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	events, _ := r.Subscribe(64)
	ctx := t.Context()

	invite := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	ack := testutil.NewRequest(sip.RequestMethodAck, sip.GenerateBranch())
	tx, created, err := r.FindOrCreateServer(ctx, ack, clientAddr)
	if err != nil || created || tx != nil {
		t.Fatalf("r.FindOrCreateServer(ACK) = %v, %v, %v, want no transaction", tx, created, err)
	}

	stray := testutil.NewResponse(invite, sip.ResponseStatusOK)
	if err := r.OnMessage(ctx, stray, serverAddr); err != nil {
		t.Fatalf("r.OnMessage(200) error = %v, want nil", err)
	}

	var got []transaction.UnmatchedMessageEvent
	for len(got) < 2 {
		evt := waitEvent(t, events, func(evt transaction.Event) bool {
			_, ok := evt.(transaction.UnmatchedMessageEvent)
			return ok
		})
		got = append(got, evt.(transaction.UnmatchedMessageEvent))
	}
	if got[0].Message != sip.Message(ack) || got[0].Source != clientAddr || !got[0].TransactionID().IsZero() {
		t.Errorf("first UnmatchedMessageEvent = %+v, want ACK from %s", got[0], clientAddr)
	}
	if got[1].Message != sip.Message(stray) || got[1].Source != serverAddr {
		t.Errorf("second UnmatchedMessageEvent = %+v, want 200 from %s", got[1], serverAddr)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("r.Len() = %d, want 0", got)
	}
	if len(tp.Sent()) != 0 {
		t.Errorf("sent %d messages, want 0", len(tp.Sent()))
	}
}

func TestRegistry_AckMatchesServerInvite(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	ctx := t.Context()

	invite := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	tx, _, err := r.FindOrCreateServer(ctx, invite, clientAddr)
	if err != nil {
		t.Fatalf("r.FindOrCreateServer(INVITE) error = %v, want nil", err)
	}
	events, _ := tx.Subscribe(64)

	busy := testutil.NewResponse(invite, sip.ResponseStatusBusyHere)
	if err := tx.SendResponse(ctx, busy); err != nil {
		t.Fatalf("tx.SendResponse(486) error = %v, want nil", err)
	}
	ack, _ := testutil.NewAck(invite, busy)
	if err := r.OnMessage(ctx, ack, clientAddr); err != nil {
		t.Fatalf("r.OnMessage(ACK) error = %v, want nil", err)
	}
	waitEvent(t, events, isStateChange(transaction.StateConfirmed))
	waitDone(t, tx)

	// removed on termination
	deadline := time.Now().Add(waitTimeout)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, ok := r.Server(tx.Key()); ok {
		t.Error("terminated transaction is still registered")
	}
}

func TestRegistry_SendRequest(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, &transaction.RegistryOptions{AckBuilder: testutil.NewAck})
	events, _ := r.Subscribe(128)
	ctx := t.Context()

	req := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	tx, err := r.SendRequest(ctx, req, serverAddr, nil)
	if err != nil {
		t.Fatalf("r.SendRequest(INVITE) error = %v, want nil", err)
	}
	if got, want := tx.Kind(), transaction.KindClientInvite; got != want {
		t.Errorf("tx.Kind() = %s, want %s", got, want)
	}

	_, err = r.SendRequest(ctx, req, serverAddr, nil)
	if diff := cmp.Diff(err, transaction.ErrTransactionExists, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("r.SendRequest(duplicate) error = %v, want %v", err, transaction.ErrTransactionExists)
	}

	if err := r.OnMessage(ctx, testutil.NewResponse(req, sip.ResponseStatusRequestTerminated), serverAddr); err != nil {
		t.Fatalf("r.OnMessage(487) error = %v, want nil", err)
	}
	evt := waitEvent(t, events, func(evt transaction.Event) bool {
		_, ok := evt.(transaction.ResponseEvent)
		return ok
	})
	if evt.TransactionID() != tx.Key() {
		t.Errorf("ResponseEvent.TransactionID() = %v, want %v", evt.TransactionID(), tx.Key())
	}
	waitDone(t, tx)

	if got, want := tp.Count(testutil.IsRequest(sip.RequestMethodAck)), 1; got != want {
		t.Errorf("ACK sent %d times, want %d", got, want)
	}
	if _, ok := r.Client(tx.Key()); ok {
		t.Error("terminated client transaction is still registered")
	}
}

func TestRegistry_SendRequest_Errors(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	ctx := t.Context()

	cases := []struct {
		name string
		req  sip.Request
		want error
	}{
		{"ACK", testutil.NewRequest(sip.RequestMethodAck, sip.GenerateBranch()), transaction.ErrMethodNotAllowed},
		{"RFC 2543 branch", testutil.NewRequest(sip.RequestMethodInvite, ""), transaction.ErrInvalidArgument},
		{"nil request", nil, transaction.ErrInvalidArgument},
	}
	for _, c := range cases {
		_, err := r.SendRequest(ctx, c.req, serverAddr, nil)
		if diff := cmp.Diff(err, c.want, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("r.SendRequest(%s) error = %v, want %v", c.name, err, c.want)
		}
	}
	if got := r.Len(); got != 0 {
		t.Errorf("r.Len() = %d, want 0", got)
	}
}

func TestRegistry_MatchCancel(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, nil)
	ctx := t.Context()

	invite := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	tx, _, err := r.FindOrCreateServer(ctx, invite, clientAddr)
	if err != nil {
		t.Fatalf("r.FindOrCreateServer(INVITE) error = %v, want nil", err)
	}

	cancel := invite.Clone()
	cancel.Mtd = sip.RequestMethodCancel
	got, err := r.MatchCancel(cancel)
	if err != nil {
		t.Fatalf("r.MatchCancel() error = %v, want nil", err)
	}
	if got != tx {
		t.Error("r.MatchCancel() returned another transaction")
	}

	// CANCEL creates its own non-INVITE transaction
	cancelTx, created, err := r.FindOrCreateServer(ctx, cancel, clientAddr)
	if err != nil || !created {
		t.Fatalf("r.FindOrCreateServer(CANCEL) = %v, %v, want new transaction", created, err)
	}
	if cancelTx == tx {
		t.Error("CANCEL matched the INVITE transaction")
	}

	other := testutil.NewRequest(sip.RequestMethodCancel, sip.GenerateBranch())
	if _, err := r.MatchCancel(other); !errors.Is(err, transaction.ErrTransactionNotFound) {
		t.Errorf("r.MatchCancel(other) error = %v, want %v", err, transaction.ErrTransactionNotFound)
	}
	if _, err := r.MatchCancel(invite); !errors.Is(err, transaction.ErrInvalidArgument) {
		t.Errorf("r.MatchCancel(INVITE) error = %v, want %v", err, transaction.ErrInvalidArgument)
	}
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r, err := transaction.NewRegistry(tp, &transaction.RegistryOptions{Log: log.Noop})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v, want nil", err)
	}
	events, _ := r.Subscribe(256)
	ctx := t.Context()

	var txs []transaction.Transaction
	for range 3 {
		tx, _, err := r.FindOrCreateServer(ctx, testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch()), clientAddr)
		if err != nil {
			t.Fatalf("r.FindOrCreateServer() error = %v, want nil", err)
		}
		txs = append(txs, tx)
	}
	clientTx, err := r.SendRequest(ctx, testutil.NewRequest(sip.RequestMethodOptions, sip.GenerateBranch()), serverAddr, nil)
	if err != nil {
		t.Fatalf("r.SendRequest() error = %v, want nil", err)
	}
	txs = append(txs, clientTx)

	closeCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := r.Close(closeCtx); err != nil {
		t.Fatalf("r.Close() error = %v, want nil", err)
	}
	for _, tx := range txs {
		if got := tx.State(); got != transaction.StateTerminated {
			t.Errorf("tx.State() = %s after Close, want %s", got, transaction.StateTerminated)
		}
	}
	if got := countEvents[transaction.TerminatedEvent](collectEvents(t, events)); got != len(txs) {
		t.Errorf("got %d TerminatedEvent, want %d", got, len(txs))
	}

	_, _, err = r.FindOrCreateServer(ctx, testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch()), clientAddr)
	if !errors.Is(err, transaction.ErrRegistryClosed) {
		t.Errorf("r.FindOrCreateServer() after Close error = %v, want %v", err, transaction.ErrRegistryClosed)
	}
	if err := r.Close(closeCtx); err != nil {
		t.Errorf("second r.Close() error = %v, want nil", err)
	}
}

func TestRegistry_StaleTransaction(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	r := newRegistry(t, tp, &transaction.RegistryOptions{StaleTimeout: 30 * time.Millisecond})
	ctx := t.Context()

	tx, _, err := r.FindOrCreateServer(ctx, testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch()), clientAddr)
	if err != nil {
		t.Fatalf("r.FindOrCreateServer() error = %v, want nil", err)
	}
	events, _ := tx.Subscribe(16)

	got := collectEvents(t, events)
	var staleFired bool
	for _, evt := range got {
		if e, ok := evt.(transaction.TimerTriggeredEvent); ok && e.Timer == transaction.TimerStale {
			staleFired = true
		}
	}
	if !staleFired {
		t.Error("stale timer not triggered")
	}
	if tx.Err() != nil {
		t.Errorf("tx.Err() = %v, want nil", tx.Err())
	}
}

func TestRegistry_CloseRacesCreate(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(true)
	r, err := transaction.NewRegistry(tp, &transaction.RegistryOptions{Timings: fastTimings, Log: log.Noop})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v, want nil", err)
	}
	ctx := t.Context()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []transaction.Transaction
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for range 50 {
				req := testutil.NewRequest(sip.RequestMethodMessage, sip.GenerateBranch())
				tx, ok, err := r.FindOrCreateServer(ctx, req, clientAddr)
				if errors.Is(err, transaction.ErrRegistryClosed) {
					return
				}
				if err != nil {
					t.Errorf("r.FindOrCreateServer() error = %v, want nil", err)
					return
				}
				if ok {
					mu.Lock()
					created = append(created, tx)
					mu.Unlock()
				}
			}
		}()
	}

	closeCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := r.Close(closeCtx); err != nil {
		t.Errorf("r.Close() error = %v, want nil", err)
	}
	wg.Wait()

	// server non-INVITE transactions have no timers before the TU answers,
	// only Close can terminate them
	for _, tx := range created {
		waitDone(t, tx)
	}
}

func TestRegistry_RegisterClient(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(true)
	r := newRegistry(t, tp, nil)

	req := testutil.NewRequest(sip.RequestMethodOptions, sip.GenerateBranch())
	tx, err := transaction.NewClientNonInviteTransaction(req, serverAddr, tp, clientOpts())
	if err != nil {
		t.Fatalf("NewClientNonInviteTransaction() error = %v, want nil", err)
	}
	sent := tp.Notify(8)

	if err := r.RegisterClient(tx); err != nil {
		t.Fatalf("r.RegisterClient() error = %v, want nil", err)
	}
	err = r.RegisterClient(tx)
	if diff := cmp.Diff(err, transaction.ErrTransactionExists, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("second r.RegisterClient() error = %v, want %v", err, transaction.ErrTransactionExists)
	}
	if got, ok := r.Client(tx.Key()); !ok || got != transaction.ClientTransaction(tx) {
		t.Fatalf("r.Client() = (%v, %v), want the registered transaction", got, ok)
	}

	// registering starts the transaction
	select {
	case <-sent:
	case <-time.After(waitTimeout):
		t.Fatal("OPTIONS was not sent after registration")
	}
	if err := r.OnMessage(t.Context(), testutil.NewResponse(req, sip.ResponseStatusOK), serverAddr); err != nil {
		t.Fatalf("r.OnMessage(200) error = %v, want nil", err)
	}
	waitDone(t, tx)

	deadline := time.Now().Add(waitTimeout)
	for {
		if _, ok := r.Client(tx.Key()); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminated transaction is still registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTransaction_TerminateUnstarted(t *testing.T) {
	t.Parallel()

	tp := testutil.NewTransport(false)
	req := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	tx, err := transaction.NewClientInviteTransaction(req, serverAddr, tp, clientOpts())
	if err != nil {
		t.Fatalf("NewClientInviteTransaction() error = %v, want nil", err)
	}
	events, _ := tx.Subscribe(16)

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	waitDone(t, tx)
	tx.Start()

	got := collectEvents(t, events)
	if diff := cmp.Diff(stateChanges(got), [][2]transaction.State{
		{transaction.StateCalling, transaction.StateTerminated},
	}); diff != "" {
		t.Errorf("state changes mismatch\ndiff (-got +want):\n%v", diff)
	}
	if got := len(tp.Sent()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
	if tx.Err() != nil {
		t.Errorf("tx.Err() = %v, want nil", tx.Err())
	}
	if err := tx.Terminate(ctx); !errors.Is(err, transaction.ErrTransactionTerminated) {
		t.Errorf("second tx.Terminate() error = %v, want %v", err, transaction.ErrTransactionTerminated)
	}
}
