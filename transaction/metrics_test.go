package transaction_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sipcore/sipstack/internal/testutil"
	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/transaction"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := transaction.NewMetrics(reg)

	tp := testutil.NewTransport(true)
	req := testutil.NewRequest(sip.RequestMethodRegister, sip.GenerateBranch())
	opts := serverOpts()
	opts.Metrics = m
	tx, err := transaction.NewServerNonInviteTransaction(req, clientAddr, tp, opts)
	if err != nil {
		t.Fatalf("NewServerNonInviteTransaction() error = %v, want nil", err)
	}
	tx.Start()

	if err := tx.SendResponse(t.Context(), testutil.NewResponse(req, sip.ResponseStatusOK)); err != nil {
		t.Fatalf("tx.SendResponse(200) error = %v, want nil", err)
	}
	waitDone(t, tx)

	want := `
# HELP sipstack_transaction_created_total Total number of created SIP transactions
# TYPE sipstack_transaction_created_total counter
sipstack_transaction_created_total{kind="server_non_invite"} 1
# HELP sipstack_transaction_active Number of running SIP transactions
# TYPE sipstack_transaction_active gauge
sipstack_transaction_active{kind="server_non_invite"} 0
# HELP sipstack_transaction_terminated_total Total number of terminated SIP transactions by termination reason
# TYPE sipstack_transaction_terminated_total counter
sipstack_transaction_terminated_total{kind="server_non_invite",reason="normal"} 1
# HELP sipstack_transaction_state_transitions_total Total number of SIP transaction state transitions
# TYPE sipstack_transaction_state_transitions_total counter
sipstack_transaction_state_transitions_total{from="Completed",kind="server_non_invite",to="Terminated"} 1
sipstack_transaction_state_transitions_total{from="Trying",kind="server_non_invite",to="Completed"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(want),
		"sipstack_transaction_created_total",
		"sipstack_transaction_active",
		"sipstack_transaction_terminated_total",
		"sipstack_transaction_state_transitions_total",
	); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestMetrics_Retransmissions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := transaction.NewMetrics(reg)

	tp := testutil.NewTransport(false)
	req := testutil.NewRequest(sip.RequestMethodInvite, sip.GenerateBranch())
	opts := clientOpts()
	opts.Metrics = m
	tx, err := transaction.NewClientInviteTransaction(req, serverAddr, tp, opts)
	if err != nil {
		t.Fatalf("NewClientInviteTransaction() error = %v, want nil", err)
	}
	tx.Start()
	waitDone(t, tx)

	want := fmt.Sprintf(`
# HELP sipstack_transaction_retransmissions_total Total number of retransmitted SIP messages
# TYPE sipstack_transaction_retransmissions_total counter
sipstack_transaction_retransmissions_total{kind="client_invite",timer="A"} %d
# HELP sipstack_transaction_terminated_total Total number of terminated SIP transactions by termination reason
# TYPE sipstack_transaction_terminated_total counter
sipstack_transaction_terminated_total{kind="client_invite",reason="timeout"} 1
`, len(fastTimings.RetransmitSchedule(fastTimings.TimeB())))
	if err := promtest.GatherAndCompare(reg, strings.NewReader(want),
		"sipstack_transaction_retransmissions_total",
		"sipstack_transaction_terminated_total",
	); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestMetrics_QueueRejections(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := transaction.NewMetrics(reg)

	tp := testutil.NewTransport(true)
	req := testutil.NewRequest(sip.RequestMethodOptions, sip.GenerateBranch())
	opts := serverOpts()
	opts.Metrics = m
	opts.QueueSize = 1
	tx, err := transaction.NewServerNonInviteTransaction(req, clientAddr, tp, opts)
	if err != nil {
		t.Fatalf("NewServerNonInviteTransaction() error = %v, want nil", err)
	}

	// the loop is not running, so the second message overflows the queue
	var rejected int
	for range 2 {
		if err := tx.ProcessMessage(t.Context(), req, clientAddr); errors.Is(err, transaction.ErrQueueFull) {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("rejected %d messages, want 1", rejected)
	}

	tx.Start()
	terminate(t, tx)
	waitDone(t, tx)

	want := `
# HELP sipstack_transaction_queue_rejections_total Total number of commands rejected because the transaction queue was full
# TYPE sipstack_transaction_queue_rejections_total counter
sipstack_transaction_queue_rejections_total 1
# HELP sipstack_transaction_terminated_total Total number of terminated SIP transactions by termination reason
# TYPE sipstack_transaction_terminated_total counter
sipstack_transaction_terminated_total{kind="server_non_invite",reason="terminated"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(want),
		"sipstack_transaction_queue_rejections_total",
		"sipstack_transaction_terminated_total",
	); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()

	var m *transaction.Metrics
	if got := m.Collectors(); got != nil {
		t.Errorf("nil Metrics.Collectors() = %v, want nil", got)
	}
}
