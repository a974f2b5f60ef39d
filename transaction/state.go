package transaction

import (
	"slices"

	"braces.dev/errtrace"
)

// Kind is the transaction kind.
type Kind string

const (
	KindClientInvite    Kind = "client_invite"
	KindClientNonInvite Kind = "client_non_invite"
	KindServerInvite    Kind = "server_invite"
	KindServerNonInvite Kind = "server_non_invite"
)

func (k Kind) String() string { return string(k) }

// IsClient reports whether the kind is a client transaction kind.
func (k Kind) IsClient() bool { return k == KindClientInvite || k == KindClientNonInvite }

// IsInvite reports whether the kind is an INVITE transaction kind.
func (k Kind) IsInvite() bool { return k == KindClientInvite || k == KindServerInvite }

// IsValid reports whether the kind is one of the four known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindClientInvite, KindClientNonInvite, KindServerInvite, KindServerNonInvite:
		return true
	}
	return false
}

// InitialState returns the state in which a transaction of the kind is created.
func (k Kind) InitialState() State {
	switch k {
	case KindClientInvite:
		return StateCalling
	case KindServerInvite:
		return StateProceeding
	case KindClientNonInvite, KindServerNonInvite:
		return StateTrying
	}
	return ""
}

// State is the transaction state.
type State string

const (
	StateCalling    State = "Calling"
	StateTrying     State = "Trying"
	StateProceeding State = "Proceeding"
	StateCompleted  State = "Completed"
	StateConfirmed  State = "Confirmed"
	StateTerminated State = "Terminated"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether the state is [StateTerminated].
func (s State) IsTerminal() bool { return s == StateTerminated }

// legalEdges lists the allowed non-terminating transitions per kind.
// Every non-terminal state may additionally move to Terminated.
var legalEdges = map[Kind]map[State][]State{
	KindClientInvite: {
		StateCalling:    {StateProceeding, StateCompleted},
		StateProceeding: {StateCompleted},
		StateCompleted:  nil,
	},
	KindClientNonInvite: {
		StateTrying:     {StateProceeding, StateCompleted},
		StateProceeding: {StateCompleted},
		StateCompleted:  nil,
	},
	KindServerInvite: {
		StateProceeding: {StateCompleted},
		StateCompleted:  {StateConfirmed},
		StateConfirmed:  nil,
	},
	KindServerNonInvite: {
		StateTrying:     {StateProceeding, StateCompleted},
		StateProceeding: {StateCompleted},
		StateCompleted:  nil,
	},
}

// ValidateTransition checks that moving a transaction of the given kind from one state to another
// follows the RFC 3261 state machine. Same-state transitions and transitions out of
// [StateTerminated] are rejected. The returned error matches [ErrInvalidStateTransition].
func ValidateTransition(kind Kind, from, to State) error {
	edges, ok := legalEdges[kind]
	if !ok {
		return errtrace.Wrap(newInvalidArgumentError("unknown transaction kind %q", kind))
	}
	next, ok := edges[from]
	if !ok {
		return errtrace.Wrap(newInvalidStateTransitionError("%s transaction: %s -> %s", kind, from, to))
	}
	if to == StateTerminated || slices.Contains(next, to) {
		return nil
	}
	return errtrace.Wrap(newInvalidStateTransitionError("%s transaction: %s -> %s", kind, from, to))
}

// States returns all states a transaction of the given kind can be in.
func (k Kind) States() []State {
	edges := legalEdges[k]
	if edges == nil {
		return nil
	}
	out := make([]State, 0, len(edges)+1)
	for _, s := range []State{StateCalling, StateTrying, StateProceeding, StateCompleted, StateConfirmed} {
		if _, ok := edges[s]; ok {
			out = append(out, s)
		}
	}
	return append(out, StateTerminated)
}
