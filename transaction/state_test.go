package transaction_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sipcore/sipstack/transaction"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	allStates := []transaction.State{
		transaction.StateCalling,
		transaction.StateTrying,
		transaction.StateProceeding,
		transaction.StateCompleted,
		transaction.StateConfirmed,
		transaction.StateTerminated,
	}

	type edge struct{ from, to transaction.State }
	legal := map[transaction.Kind][]edge{
		transaction.KindClientInvite: {
			{transaction.StateCalling, transaction.StateProceeding},
			{transaction.StateCalling, transaction.StateCompleted},
			{transaction.StateCalling, transaction.StateTerminated},
			{transaction.StateProceeding, transaction.StateCompleted},
			{transaction.StateProceeding, transaction.StateTerminated},
			{transaction.StateCompleted, transaction.StateTerminated},
		},
		transaction.KindClientNonInvite: {
			{transaction.StateTrying, transaction.StateProceeding},
			{transaction.StateTrying, transaction.StateCompleted},
			{transaction.StateTrying, transaction.StateTerminated},
			{transaction.StateProceeding, transaction.StateCompleted},
			{transaction.StateProceeding, transaction.StateTerminated},
			{transaction.StateCompleted, transaction.StateTerminated},
		},
		transaction.KindServerInvite: {
			{transaction.StateProceeding, transaction.StateCompleted},
			{transaction.StateProceeding, transaction.StateTerminated},
			{transaction.StateCompleted, transaction.StateConfirmed},
			{transaction.StateCompleted, transaction.StateTerminated},
			{transaction.StateConfirmed, transaction.StateTerminated},
		},
		transaction.KindServerNonInvite: {
			{transaction.StateTrying, transaction.StateProceeding},
			{transaction.StateTrying, transaction.StateCompleted},
			{transaction.StateTrying, transaction.StateTerminated},
			{transaction.StateProceeding, transaction.StateCompleted},
			{transaction.StateProceeding, transaction.StateTerminated},
			{transaction.StateCompleted, transaction.StateTerminated},
		},
	}

	for kind, edges := range legal {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			for _, from := range allStates {
				for _, to := range allStates {
					err := transaction.ValidateTransition(kind, from, to)
					if slices.Contains(edges, edge{from, to}) {
						if err != nil {
							t.Errorf("ValidateTransition(%s, %s, %s) error = %v, want nil", kind, from, to, err)
						}
						continue
					}
					if diff := cmp.Diff(err, transaction.ErrInvalidStateTransition, cmpopts.EquateErrors()); diff != "" {
						t.Errorf("ValidateTransition(%s, %s, %s) error = %v, want %v", kind, from, to, err, transaction.ErrInvalidStateTransition)
					}
				}
			}
		})
	}
}

func TestValidateTransition_UnknownKind(t *testing.T) {
	t.Parallel()

	err := transaction.ValidateTransition("proxy", transaction.StateTrying, transaction.StateCompleted)
	if diff := cmp.Diff(err, transaction.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("ValidateTransition(proxy) error = %v, want %v", err, transaction.ErrInvalidArgument)
	}
}

func TestKind_States(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind    transaction.Kind
		initial transaction.State
		want    []transaction.State
	}{
		{
			transaction.KindClientInvite,
			transaction.StateCalling,
			[]transaction.State{transaction.StateCalling, transaction.StateProceeding, transaction.StateCompleted, transaction.StateTerminated},
		},
		{
			transaction.KindClientNonInvite,
			transaction.StateTrying,
			[]transaction.State{transaction.StateTrying, transaction.StateProceeding, transaction.StateCompleted, transaction.StateTerminated},
		},
		{
			transaction.KindServerInvite,
			transaction.StateProceeding,
			[]transaction.State{transaction.StateProceeding, transaction.StateCompleted, transaction.StateConfirmed, transaction.StateTerminated},
		},
		{
			transaction.KindServerNonInvite,
			transaction.StateTrying,
			[]transaction.State{transaction.StateTrying, transaction.StateProceeding, transaction.StateCompleted, transaction.StateTerminated},
		},
	}
	for _, c := range cases {
		if got := c.kind.InitialState(); got != c.initial {
			t.Errorf("%s.InitialState() = %s, want %s", c.kind, got, c.initial)
		}
		if diff := cmp.Diff(c.kind.States(), c.want); diff != "" {
			t.Errorf("%s.States() mismatch\ndiff (-got +want):\n%v", c.kind, diff)
		}
	}
}
