package types_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sipcore/sipstack/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[string]

	m.Add("a")
	rmB := m.Add("b")
	m.Add("c")

	if got, want := m.Len(), 3; got != want {
		t.Fatalf("m.Len() = %d, want %d", got, want)
	}
	if diff := cmp.Diff(slices.Collect(m.All()), []string{"a", "b", "c"}); diff != "" {
		t.Fatalf("m.All() mismatch (-got +want):\n%s", diff)
	}

	rmB()
	rmB()
	if diff := cmp.Diff(slices.Collect(m.All()), []string{"a", "c"}); diff != "" {
		t.Fatalf("m.All() after remove mismatch (-got +want):\n%s", diff)
	}

	if diff := cmp.Diff(m.Clear(), []string{"a", "c"}); diff != "" {
		t.Fatalf("m.Clear() mismatch (-got +want):\n%s", diff)
	}
	if got := m.Len(); got != 0 {
		t.Fatalf("m.Len() after Clear = %d, want 0", got)
	}

	var nilMgr *types.CallbackManager[string]
	if got := nilMgr.Len(); got != 0 {
		t.Fatalf("nil.Len() = %d, want 0", got)
	}
	if got := slices.Collect(nilMgr.All()); len(got) != 0 {
		t.Fatalf("nil.All() = %v, want empty", got)
	}
}
