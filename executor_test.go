package lunar

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestExecute_ScalarsRoundTrip(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	out, err := e.Execute([]byte(`return 1, 2.5, 'hi', true, nil`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []any{1.0, 2.5, "hi", true, nil}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("results = %#v, want %#v", out, want)
	}
}

func TestExecute_GlobalsAreVisible(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	out, err := e.Execute([]byte(`return a + b`), map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 1 || out[0] != 5.0 {
		t.Fatalf("results = %#v, want (5.0)", out)
	}
}

func TestExecute_SyntaxError(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	_, err := e.Execute([]byte(`return ((`), nil)
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("Execute = %v, want SyntaxError", err)
	}
}

func TestExecute_ScriptErrorCarriesLineAnnotation(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1, ChunkName: "testchunk"})

	_, err := e.Execute([]byte("\nerror('deliberate')"), nil)
	var serr *ScriptError
	if !errors.As(err, &serr) {
		t.Fatalf("Execute = %v, want ScriptError", err)
	}
	if !strings.Contains(serr.Message, "deliberate") {
		t.Fatalf("message = %q", serr.Message)
	}
	if !strings.Contains(serr.Message, "2") {
		t.Fatalf("message %q carries no line annotation", serr.Message)
	}
}

func TestExecute_TimeBound(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1, MaxRuntime: 100 * time.Millisecond})

	started := time.Now()
	_, err := e.Execute([]byte(`while true do end`), nil)
	elapsed := time.Since(started)

	var serr *ScriptError
	if !errors.As(err, &serr) {
		t.Fatalf("Execute = %v, want ScriptError", err)
	}
	if !strings.Contains(serr.Message, "runtime quota exceeded") {
		t.Fatalf("message = %q", serr.Message)
	}
	if elapsed > time.Second {
		t.Fatalf("time-bound execute took %v", elapsed)
	}
}

func TestExecute_MemoryBound(t *testing.T) {
	e := newTestExecutor(t, Options{
		MaxMemory:  256 * 1024,
		MaxRuntime: 10 * time.Second,
	})

	_, err := e.Execute([]byte(`local t = {} for i = 1, 1e9 do t[i] = i end`), nil)
	var oom *OutOfMemoryError
	if !errors.As(err, &oom) {
		t.Fatalf("Execute = %v, want OutOfMemoryError", err)
	}
	if !e.Poisoned() {
		t.Fatal("executor not poisoned after out-of-memory")
	}

	// the poisoned instance rejects further work but closes cleanly
	if _, err := e.Execute([]byte(`return 1`), nil); !errors.Is(err, ErrPoisoned) {
		t.Fatalf("Execute on poisoned = %v, want ErrPoisoned", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close after OOM: %v", err)
	}
}

func TestExecute_HostCallable(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})
	env := map[string]any{
		"f": func(args ...any) (any, error) {
			return args[0].(float64) + 1, nil
		},
	}

	out, err := e.Execute([]byte(`return f(41)`), env)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 1 || out[0] != 42.0 {
		t.Fatalf("results = %#v, want (42.0)", out)
	}
}

func TestExecute_GlobalsPersistAcrossRuns(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	if _, err := e.Execute([]byte(`counter = 10`), nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	out, err := e.Execute([]byte(`counter = counter + 1 return counter`), nil)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if out[0] != 11.0 {
		t.Fatalf("counter = %v, want 11", out[0])
	}
}

func TestExecute_StackBalanced(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	top := e.StackTop()
	if _, err := e.Execute([]byte(`return 1, 2, 3`), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Execute([]byte(`error('x')`), nil); err == nil {
		t.Fatal("Execute of failing script returned nil error")
	}
	if got := e.StackTop(); got != top {
		t.Fatalf("stack top = %d after executes, want %d", got, top)
	}
}

func TestExecute_SerializationErrorOnBadGlobal(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	_, err := e.Execute([]byte(`return 1`), map[string]any{"c": make(chan int)})
	var serr *SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("Execute = %v, want SerializationError", err)
	}
}

func TestExecute_LimiterStateAcrossRun(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: 64 << 20})

	if e.cb.mem.isEnabled() {
		t.Fatal("limiter enabled before any run")
	}
	if _, err := e.Execute([]byte(`return 1`), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if e.cb.mem.isEnabled() {
		t.Fatal("limiter left enabled after a run")
	}
}

func TestClose_Idempotent(t *testing.T) {
	e, err := New(Options{MaxMemory: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}

	if _, err := e.Execute([]byte(`return 1`), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Execute after Close = %v, want ErrClosed", err)
	}
}

func TestMemoryUsed_TracksEncodes(t *testing.T) {
	e := newTestExecutor(t, Options{MaxMemory: -1})

	before := e.MemoryUsed()
	if _, err := e.Encode(strings.Repeat("x", 4096)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := e.MemoryUsed(); got < before+4096 {
		t.Fatalf("MemoryUsed = %d, want at least %d", got, before+4096)
	}
}

func TestExecute_Defaults(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()

	if opts.MaxMemory != DefaultMaxMemory {
		t.Fatalf("MaxMemory default = %d", opts.MaxMemory)
	}
	if opts.MaxRuntime != DefaultMaxRuntime {
		t.Fatalf("MaxRuntime default = %v", opts.MaxRuntime)
	}
	if opts.HookHz != DefaultHookHz {
		t.Fatalf("HookHz default = %d", opts.HookHz)
	}
	if opts.MaxDepth != DefaultMaxDepth {
		t.Fatalf("MaxDepth default = %d", opts.MaxDepth)
	}
	if opts.ChunkName != "lunar" {
		t.Fatalf("ChunkName default = %q", opts.ChunkName)
	}
}
