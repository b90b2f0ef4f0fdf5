package lunar

import (
	"errors"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestProtect_PassesThroughNormalReturn(t *testing.T) {
	cb := &controlBlock{retain: newRetainTable()}
	want := errors.New("plain error")
	if got := cb.protect(func() error { return want }); got != want {
		t.Fatalf("protect = %v, want %v", got, want)
	}
	if cb.padDepth != 0 {
		t.Fatalf("padDepth = %d after return, want 0", cb.padDepth)
	}
}

func TestProtect_CatchesPanic(t *testing.T) {
	cb := &controlBlock{retain: newRetainTable()}
	err := cb.protect(func() error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("protect = %v, want trapped panic", err)
	}
	if cb.padDepth != 0 {
		t.Fatalf("padDepth = %d after panic, want 0", cb.padDepth)
	}
}

func TestProtect_KeepsApiErrorIntact(t *testing.T) {
	cb := &controlBlock{retain: newRetainTable()}
	apiErr := &lua.ApiError{Type: lua.ApiErrorRun, Object: lua.LString("script blew up")}
	err := cb.protect(func() error { panic(apiErr) })

	var got *lua.ApiError
	if !errors.As(err, &got) || got != apiErr {
		t.Fatalf("protect = %v, want the original ApiError", err)
	}
}

func TestProtect_NestedPadsRestoreDepth(t *testing.T) {
	cb := &controlBlock{retain: newRetainTable()}
	err := cb.protect(func() error {
		if cb.padDepth != 1 {
			t.Fatalf("outer padDepth = %d, want 1", cb.padDepth)
		}
		inner := cb.protect(func() error {
			if cb.padDepth != 2 {
				t.Fatalf("inner padDepth = %d, want 2", cb.padDepth)
			}
			panic("inner pad reached")
		})
		if inner == nil {
			t.Fatal("inner panic not trapped")
		}
		if cb.padDepth != 1 {
			t.Fatalf("padDepth = %d after inner pad, want 1", cb.padDepth)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer protect = %v", err)
	}
}
