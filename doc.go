// Package lunar embeds a Lua VM and executes untrusted scripts under hard
// resource limits, with a bidirectional bridge between host values and VM
// values.
//
// An Executor owns one VM. Execute runs a script with seeded globals and
// returns its results as host values:
//
//	e, _ := lunar.New(lunar.Options{MaxMemory: 256 << 10, MaxRuntime: time.Second})
//	defer e.Close()
//	out, err := e.Execute([]byte("return a + b"), map[string]any{"a": 2, "b": 3})
//
// Host callables seeded as globals are callable from the script; host
// errors raised inside them surface as script errors. Slices and maps are
// copied into fresh VM tables; callables, pointers and structs cross into
// the VM as capsules: opaque values the VM can index and call but never
// owns. The retention table keeps every capsule-referenced
// host object reachable from host roots until its capsule is collected or
// the executor is closed; embedders wanting prompt release should close
// the executor.
//
// Resource governance is cooperative. Memory growth is accounted against
// the configured ceiling and a breach aborts the script with
// *OutOfMemoryError, poisoning the executor. Wall-clock time is bounded
// per Execute; a breach surfaces as a *ScriptError whose message contains
// "runtime quota exceeded". A tight host callback can overrun the budget
// by at most the duration of one host call.
package lunar
