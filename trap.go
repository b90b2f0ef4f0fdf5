package lunar

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// The VM's non-local error transfer is a Go panic: RaiseError and friends
// panic with *lua.ApiError and PCall recovers it at the protected-call
// boundary. A panic raised outside that boundary — during stack
// preparation, inside an allocator refusal path, or from a bug in bridge
// code — would otherwise unwind through host frames and kill the process.
//
// protect is the landing pad closing that gap: it saves the previous pad
// depth, runs the VM entry, and converts anything recovered into an error
// the caller can map to a status. Pads nest; each invocation restores the
// prior depth on the way out, whether the entry returned normally or the
// pad was reached.
func (cb *controlBlock) protect(run func() error) (err error) {
	prev := cb.padDepth
	cb.padDepth++
	defer func() {
		cb.padDepth = prev
		if r := recover(); r != nil {
			err = trapRecovered(r)
		}
	}()
	return run()
}

// trapRecovered maps a recovered panic onto the error taxonomy. An ApiError
// that escaped the VM's own boundary is kept intact so the caller's status
// mapping sees the original message; everything else is reported as a
// trapped panic.
func trapRecovered(r any) error {
	switch v := r.(type) {
	case *lua.ApiError:
		return v
	case error:
		return fmt.Errorf("trapped vm panic: %w", v)
	default:
		return fmt.Errorf("trapped vm panic: %v", v)
	}
}
