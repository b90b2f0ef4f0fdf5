package lunar

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/lunar/internal/logging"
	"github.com/oriys/lunar/internal/metrics"
)

// memoryLimiter implements the restricting-allocator contract. Every
// accounted allocation flows through alloc, which mirrors the lua_Alloc
// signature: an old size, a new size, and whether a live pointer was
// passed. The gopher-lua VM cannot call out per allocation, so script
// growth reaches alloc through the heap watcher below; string encodes are
// charged synchronously. Table encodes are not charged directly; their
// growth reaches alloc only through the heap watcher.
//
// Invariants:
//   - a shrink (new <= old) is never refused; refusing one can wedge the VM
//   - an allocation is refused iff the limiter is enabled, a limit is set,
//     the call grows total usage, and the new total exceeds the limit
//   - on every permitted call, used moves by exactly (new - old), except
//     that used is clamped at zero and never goes negative
type memoryLimiter struct {
	mu      sync.Mutex
	enabled bool
	used    int64
	limit   int64
}

// alloc accounts one allocation event and reports whether it is permitted.
// hasPtr distinguishes a reallocation from a fresh allocation: when no
// pointer is passed the old-size argument is type metadata, not a size, and
// is treated as zero.
func (m *memoryLimiter) alloc(hasPtr bool, old, new int64) bool {
	if !hasPtr {
		old = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newTotal := m.used - old + new
	if m.enabled && m.limit > 0 && newTotal > m.used && newTotal > m.limit {
		return false
	}
	m.used = newTotal
	if m.used < 0 {
		m.used = 0
	}
	return true
}

func (m *memoryLimiter) enable()  { m.setEnabled(true) }
func (m *memoryLimiter) disable() { m.setEnabled(false) }

func (m *memoryLimiter) setEnabled(v bool) {
	m.mu.Lock()
	m.enabled = v
	m.mu.Unlock()
}

func (m *memoryLimiter) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *memoryLimiter) usedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *memoryLimiter) limitBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// runtimeLimiter bounds wall-clock script time. start precomputes the
// expiry instant so that every check is a single time comparison. The
// per-instruction side of the check is the deadline context handed to the
// interpreter loop; expired is also consulted explicitly when control returns
// from a host upcall, because the interpreter does not run (and therefore
// does not poll the context) while the host is busy.
type runtimeLimiter struct {
	enabled    atomic.Bool
	startedAt  time.Time
	expiresAt  time.Time
	maxRuntime time.Duration
}

func (r *runtimeLimiter) start(max time.Duration) {
	r.startedAt = time.Now()
	r.maxRuntime = max
	r.expiresAt = r.startedAt.Add(max)
	r.enabled.Store(max > 0)
}

func (r *runtimeLimiter) finish() {
	r.enabled.Store(false)
}

func (r *runtimeLimiter) expired() bool {
	return r.enabled.Load() && time.Now().After(r.expiresAt)
}

// quotaMessage formats the breach the way the VM reports it, with elapsed
// and budget in seconds.
func (r *runtimeLimiter) quotaMessage() string {
	elapsed := time.Since(r.startedAt).Seconds()
	return quotaExceededMessage(elapsed, r.maxRuntime.Seconds())
}

// cancelCause records why an in-flight run was cancelled, so Execute can
// tell a memory refusal apart from an ordinary script error after the
// protected call unwinds.
type cancelCause int32

const (
	causeNone cancelCause = iota
	causeMemory
)

// heapWatcher feeds script-driven heap growth into the memory limiter. It
// samples the Go heap at the limiter check interval, converts each delta
// into an allocator call, and cancels the run when a growth is refused.
// This is the sampling strategy gopher-lua itself uses for its memory
// quota; the difference is that a breach here cancels the interpreter loop
// instead of exiting the process.
type heapWatcher struct {
	mem      *memoryLimiter
	interval time.Duration
	readHeap func() uint64

	cause  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	last   uint64
}

func newHeapWatcher(mem *memoryLimiter, interval time.Duration) *heapWatcher {
	return &heapWatcher{mem: mem, interval: interval, readHeap: heapInUse}
}

// run starts sampling until stop is called. cancel is invoked at most once,
// after the cause has been recorded.
func (w *heapWatcher) run(cancel context.CancelFunc) {
	w.cancel = cancel
	w.cause.Store(int32(causeNone))
	w.done = make(chan struct{})
	w.last = w.readHeap()

	done := w.done
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !w.sample() {
					return
				}
			}
		}
	}()
}

// sample observes the heap once. Returns false once the run has been
// cancelled and sampling should stop.
func (w *heapWatcher) sample() bool {
	cur := w.readHeap()
	last := w.last
	w.last = cur

	switch {
	case cur > last:
		if !w.mem.alloc(false, 0, int64(cur-last)) {
			w.cause.Store(int32(causeMemory))
			metrics.Global().RecordMemoryRefusal()
			logging.Op().Debug("memory limit breached",
				"used", w.mem.usedBytes(), "limit", w.mem.limitBytes())
			w.cancel()
			return false
		}
	case cur < last:
		w.mem.alloc(true, int64(last-cur), 0)
	}
	return true
}

func (w *heapWatcher) stop() {
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
}

func (w *heapWatcher) tripped() cancelCause {
	return cancelCause(w.cause.Load())
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func quotaExceededMessage(elapsed, budget float64) string {
	return fmt.Sprintf("runtime quota exceeded %f>%f", elapsed, budget)
}

// checkInterval converts the configured check frequency into a sampling
// period. Reading MemStats is not free, so the period is floored at 5ms
// regardless of how high the frequency is set.
func checkInterval(hz int) time.Duration {
	if hz <= 0 {
		return 5 * time.Millisecond
	}
	iv := time.Second / time.Duration(hz)
	if iv < 5*time.Millisecond {
		iv = 5 * time.Millisecond
	}
	return iv
}
