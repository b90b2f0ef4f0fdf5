package lunar

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/lunar/internal/logging"
	"github.com/oriys/lunar/internal/metrics"
	"github.com/oriys/lunar/internal/observability"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultMaxMemory gives the standard libraries their ~100KiB working
	// set plus breathing room.
	DefaultMaxMemory = 2 * 1024 * 1024
	// DefaultMaxRuntime bounds a single Execute call.
	DefaultMaxRuntime = time.Second
	// DefaultHookHz is the default heap-sampling frequency (the sampling
	// period is floored at 5ms).
	DefaultHookHz = 500000
	// DefaultMaxDepth bounds marshalling recursion in both directions.
	DefaultMaxDepth = 10

	defaultChunkName = "lunar"
)

// Options configures an Executor. The zero value of each field selects the
// corresponding default; a negative MaxMemory or MaxRuntime disables that
// budget.
type Options struct {
	// MaxMemory is the script memory ceiling in bytes. 0 selects
	// DefaultMaxMemory; negative disables the ceiling.
	MaxMemory int64
	// MaxRuntime is the wall-clock budget per Execute. 0 selects
	// DefaultMaxRuntime; negative disables the budget.
	MaxRuntime time.Duration
	// HookHz is how often the heap watcher samples memory growth while a
	// script runs; the sampling period is never shorter than 5ms. The time
	// budget does not use it: the interpreter polls its deadline itself.
	HookHz int
	// MaxDepth bounds marshalling recursion.
	MaxDepth int
	// HostLock, when set, is acquired around every touch of host objects:
	// marshalling, attribute proxies, and host callable invocation. Hosts
	// without a runtime lock leave it nil.
	HostLock sync.Locker
	// ChunkName names the compiled chunk in error messages.
	ChunkName string
}

func (o *Options) applyDefaults() {
	if o.MaxMemory == 0 {
		o.MaxMemory = DefaultMaxMemory
	}
	if o.MaxMemory < 0 {
		o.MaxMemory = 0
	}
	if o.MaxRuntime == 0 {
		o.MaxRuntime = DefaultMaxRuntime
	}
	if o.MaxRuntime < 0 {
		o.MaxRuntime = 0
	}
	if o.HookHz == 0 {
		o.HookHz = DefaultHookHz
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.HostLock == nil {
		o.HostLock = noopLocker{}
	}
	if o.ChunkName == "" {
		o.ChunkName = defaultChunkName
	}
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// controlBlock is the per-executor state every VM-facing closure reaches
// back into: limiter state, the retention table, and run lifecycle flags.
// It outlives every capsule and every hook invocation; it is torn down
// only by Close, after the VM itself has been closed.
type controlBlock struct {
	mem    memoryLimiter
	rt     runtimeLimiter
	retain *retainTable

	padDepth int

	running  atomic.Bool
	poisoned atomic.Bool
	closed   atomic.Bool
}

// Executor owns one sandboxed Lua VM. One executor runs one script at a
// time; concurrent Execute calls serialise behind the VM lock. An executor
// that has hit its memory limit is poisoned and only Close remains.
type Executor struct {
	id   string
	opts Options

	L  *lua.LState
	cb *controlBlock

	vmMu     sync.Mutex
	hostLock sync.Locker

	capsuleMT *lua.LTable
	interval  time.Duration
}

// New creates an executor with its own VM, opens the standard libraries
// (library exposure policy is script-level configuration, applied by the
// embedder), and installs the governor state.
func New(opts Options) (*Executor, error) {
	opts.applyDefaults()

	e := &Executor{
		id:       uuid.New().String()[:8],
		opts:     opts,
		hostLock: opts.HostLock,
		interval: checkInterval(opts.HookHz),
		cb: &controlBlock{
			retain: newRetainTable(),
		},
	}
	e.cb.mem.limit = opts.MaxMemory

	e.L = lua.NewState()
	e.capsuleMT = e.newCapsuleMetatable()

	metrics.Global().RecordExecutorCreated()
	logging.Op().Debug("executor created",
		"id", e.id,
		"maxMemory", opts.MaxMemory,
		"maxRuntime", opts.MaxRuntime,
		"hookHz", opts.HookHz)
	return e, nil
}

// Execute compiles source in text mode, seeds the given globals, and runs
// the script under the configured budgets. It returns the script's results
// decoded as host values.
//
// Error mapping: compilation failure returns *SyntaxError; a memory-limit
// breach returns *OutOfMemoryError and poisons the executor; everything
// else raised inside the script — including a time-limit breach — returns
// *ScriptError.
func (e *Executor) Execute(source []byte, globals map[string]any) (results []any, err error) {
	if e.cb.closed.Load() {
		return nil, ErrClosed
	}
	if e.cb.poisoned.Load() {
		return nil, ErrPoisoned
	}

	e.vmMu.Lock()
	defer e.vmMu.Unlock()
	if e.cb.closed.Load() {
		return nil, ErrClosed
	}

	e.cb.running.Store(true)
	defer e.cb.running.Store(false)

	started := time.Now()
	ctx, span := observability.Tracer().Start(context.Background(), "lunar.execute")
	span.SetAttributes(
		attribute.String("lunar.executor_id", e.id),
		attribute.Int("lunar.source_bytes", len(source)),
	)
	status := "ok"
	defer func() {
		metrics.Global().RecordExecution(status, time.Since(started))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Marshalling and compilation touch host objects: host lock held,
	// memory limiter off.
	e.hostLock.Lock()
	e.cb.mem.disable()

	for name, value := range globals {
		lv, encErr := e.encode(value, 0)
		if encErr != nil {
			e.hostLock.Unlock()
			status = "serialization_error"
			return nil, encErr
		}
		e.L.SetGlobal(name, lv)
	}

	// Text mode only: the VM compiles source; there is no path for a
	// pre-compiled chunk to smuggle itself in.
	fn, loadErr := e.L.Load(bytes.NewReader(source), e.opts.ChunkName)
	if loadErr != nil {
		e.hostLock.Unlock()
		status = "syntax_error"
		return nil, mapLoadError(loadErr)
	}

	e.cb.rt.start(e.opts.MaxRuntime)
	runCtx, cancel := e.runContext(ctx)
	e.L.SetContext(runCtx)

	watcher := newHeapWatcher(&e.cb.mem, e.interval)
	watcher.run(cancel)

	top := e.L.GetTop()

	// Run the user code with the host lock released (host-side work may
	// progress) and the memory limiter on. The protected call is wrapped
	// in the landing pad so an escape from the VM's own boundary still
	// surfaces as a status.
	e.hostLock.Unlock()
	e.cb.mem.enable()

	callErr := e.cb.protect(func() error {
		e.L.Push(fn)
		return e.L.PCall(0, lua.MultRet, nil)
	})

	e.cb.mem.disable()
	e.hostLock.Lock()
	defer e.hostLock.Unlock()

	watcher.stop()
	cancel()
	e.L.RemoveContext()
	// finish only after the status is mapped: mapRunError consults expired
	defer e.cb.rt.finish()

	if callErr != nil {
		e.L.SetTop(top)
		status, err = e.mapRunError(callErr, watcher)
		return nil, err
	}

	nresults := e.L.GetTop() - top
	results, err = e.decodeMulti(top+1, nresults)
	e.L.SetTop(top)
	if err != nil {
		status = "serialization_error"
		return nil, err
	}
	return results, nil
}

func (e *Executor) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if e.cb.rt.enabled.Load() {
		return context.WithDeadline(parent, e.cb.rt.expiresAt)
	}
	return context.WithCancel(parent)
}

// mapRunError turns a failed protected call into the public error
// taxonomy. Order matters: a tripped memory watcher wins (the cancel it
// issued is what unwound the script), then an expired time budget, then
// the script's own error.
func (e *Executor) mapRunError(callErr error, watcher *heapWatcher) (string, error) {
	if watcher.tripped() == causeMemory {
		e.cb.poisoned.Store(true)
		metrics.Global().RecordOutOfMemory()
		logging.Op().Warn("script exceeded memory limit",
			"id", e.id, "used", e.cb.mem.usedBytes(), "limit", e.cb.mem.limitBytes())
		return "oom", &OutOfMemoryError{
			Used:  e.cb.mem.usedBytes(),
			Limit: e.cb.mem.limitBytes(),
		}
	}

	if e.cb.rt.expired() {
		metrics.Global().RecordTimeout()
		return "timeout", &ScriptError{Message: e.cb.rt.quotaMessage()}
	}

	var apiErr *lua.ApiError
	if errors.As(callErr, &apiErr) {
		msg, cause := apiErrorMessage(apiErr)
		return "script_error", &ScriptError{
			Message:    msg,
			StackTrace: apiErr.StackTrace,
			Cause:      cause,
		}
	}
	return "script_error", &ScriptError{Message: callErr.Error()}
}

func mapLoadError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorSyntax {
		msg, _ := apiErrorMessage(apiErr)
		return &SyntaxError{Message: msg}
	}
	return &SyntaxError{Message: err.Error()}
}

// apiErrorMessage extracts the error text carried by a VM error. A string
// object is the VM's own message, line annotation included. A capsule
// object is a host error that crossed the bridge; its text and the
// original error both surface.
func apiErrorMessage(apiErr *lua.ApiError) (string, error) {
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if c, ok := ud.Value.(*capsule); ok {
			if hostErr, ok := c.val.(error); ok {
				return hostErr.Error(), hostErr
			}
		}
	}
	if apiErr.Object != lua.LNil {
		return lua.LVAsString(apiErr.Object), nil
	}
	return apiErr.Error(), nil
}

// Encode translates a host value into a VM value under this executor's
// depth bound. Part of the public marshalling contract so embedders can
// pre-build values for globals.
func (e *Executor) Encode(v any) (lua.LValue, error) {
	return e.encode(v, 0)
}

// Decode translates a VM value into a host value under this executor's
// depth bound.
func (e *Executor) Decode(lv lua.LValue) (any, error) {
	return e.decode(lv, 0)
}

// StackTop reports the VM stack height. Diagnostic.
func (e *Executor) StackTop() int {
	return e.L.GetTop()
}

// MemoryUsed reports the bytes currently accounted to the VM.
func (e *Executor) MemoryUsed() int64 {
	return e.cb.mem.usedBytes()
}

// Poisoned reports whether a memory-limit breach has made this executor
// unusable.
func (e *Executor) Poisoned() bool {
	return e.cb.poisoned.Load()
}

// Close tears the executor down: the governor stops accounting, the VM is
// closed (its teardown allocations are no longer charged), and the
// retention table is dropped last so capsule finalisers arriving during
// close see a consistent table. Close is idempotent and safe after any
// error, including OutOfMemoryError.
func (e *Executor) Close() error {
	if e.cb.closed.Swap(true) {
		return nil
	}

	e.vmMu.Lock()
	defer e.vmMu.Unlock()

	e.cb.mem.disable()
	e.cb.rt.finish()
	e.L.Close()
	e.cb.retain.clear()

	metrics.Global().RecordExecutorClosed()
	logging.Op().Debug("executor closed", "id", e.id)
	return nil
}
