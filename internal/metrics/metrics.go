// Package metrics collects and exposes lunar runtime observability data.
//
// Two metric stores coexist: an in-process Metrics struct of atomic
// counters for cheap programmatic inspection, and a Prometheus registry
// (prometheus.go) for scraping. The in-process counters work without any
// Prometheus setup; InitPrometheus is opt-in.
//
// Recording happens on the script execution path and inside capsule
// finalisers, so every record method is atomic and lock-free.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds the in-process counters for one process.
type Metrics struct {
	ExecutionsTotal   atomic.Int64
	ExecutionsFailed  atomic.Int64
	OutOfMemoryTotal  atomic.Int64
	TimeoutsTotal     atomic.Int64
	MemoryRefusals    atomic.Int64
	CapsulesCreated   atomic.Int64
	CapsulesFinalized atomic.Int64
	ExecutorsLive     atomic.Int64

	TotalDurationMs atomic.Int64
}

var global = &Metrics{}

// Global returns the process-wide metrics store.
func Global() *Metrics {
	return global
}

// RecordExecution records one completed Execute call with its outcome
// status and duration.
func (m *Metrics) RecordExecution(status string, d time.Duration) {
	m.ExecutionsTotal.Add(1)
	if status != "ok" {
		m.ExecutionsFailed.Add(1)
	}
	m.TotalDurationMs.Add(d.Milliseconds())
	promRecordExecution(status, d)
}

// RecordOutOfMemory records a memory-limit breach that poisoned an executor.
func (m *Metrics) RecordOutOfMemory() {
	m.OutOfMemoryTotal.Add(1)
}

// RecordTimeout records a runtime-quota breach.
func (m *Metrics) RecordTimeout() {
	m.TimeoutsTotal.Add(1)
}

// RecordMemoryRefusal records one refused allocation.
func (m *Metrics) RecordMemoryRefusal() {
	m.MemoryRefusals.Add(1)
}

// RecordCapsuleCreated records a host object crossing into the VM.
func (m *Metrics) RecordCapsuleCreated() {
	m.CapsulesCreated.Add(1)
	promCapsulesLive(1)
}

// RecordCapsuleFinalized records a capsule collected by the VM.
func (m *Metrics) RecordCapsuleFinalized() {
	m.CapsulesFinalized.Add(1)
	promCapsulesLive(-1)
}

// RecordExecutorCreated records a new executor instance.
func (m *Metrics) RecordExecutorCreated() {
	m.ExecutorsLive.Add(1)
	promExecutorsLive(1)
}

// RecordExecutorClosed records an executor teardown.
func (m *Metrics) RecordExecutorClosed() {
	m.ExecutorsLive.Add(-1)
	promExecutorsLive(-1)
}

// CapsulesLive reports the number of capsules created and not yet
// finalised.
func (m *Metrics) CapsulesLive() int64 {
	return m.CapsulesCreated.Load() - m.CapsulesFinalized.Load()
}
