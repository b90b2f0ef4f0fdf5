package lunar

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"
)

// encode translates a host value into a VM value. Dispatch is by host
// type: scalars map onto the VM's scalar types, sequences and mappings
// become fresh tables, callables and other capsule-worthy values become
// capsules. Recursion depth is checked on every call; the marshaller does
// not detect self-referential structures, the depth bound is what stops
// them.
func (e *Executor) encode(v any, depth int) (lua.LValue, error) {
	if depth > e.opts.MaxDepth {
		return nil, serializationErrorf("encode recursed too far (depth %d)", depth)
	}

	switch tv := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(tv), nil
	case int:
		return lua.LNumber(tv), nil
	case int8:
		return lua.LNumber(tv), nil
	case int16:
		return lua.LNumber(tv), nil
	case int32:
		return lua.LNumber(tv), nil
	case int64:
		// range loss on wide integers is accepted; the VM's number type
		// is a float
		return lua.LNumber(tv), nil
	case uint:
		return lua.LNumber(tv), nil
	case uint8:
		return lua.LNumber(tv), nil
	case uint16:
		return lua.LNumber(tv), nil
	case uint32:
		return lua.LNumber(tv), nil
	case uint64:
		return lua.LNumber(tv), nil
	case float32:
		return lua.LNumber(tv), nil
	case float64:
		return lua.LNumber(tv), nil
	case string:
		return e.encodeString(tv)
	case []byte:
		return e.encodeString(string(tv))
	case []any:
		return e.encodeSlice(reflect.ValueOf(tv), depth)
	case map[string]any:
		return e.encodeMap(reflect.ValueOf(tv), depth)
	case Capsule:
		return e.newCapsule(tv.Value, tv.Cache, tv.Recursive, tv.RawArgs), nil
	case *Capsule:
		return e.newCapsule(tv.Value, tv.Cache, tv.Recursive, tv.RawArgs), nil
	case *ScriptFunc:
		// a function previously decoded from this VM goes back as itself
		if tv.e == e {
			return tv.fn, nil
		}
		return e.newCapsule(tv, false, false, false), nil
	case lua.LValue:
		return tv, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return e.encodeSlice(rv, depth)
	case reflect.Map:
		return e.encodeMap(rv, depth)
	case reflect.Func:
		return e.newCapsule(v, false, false, false), nil
	case reflect.Pointer, reflect.Struct:
		return e.newCapsule(v, false, false, false), nil
	default:
		return nil, serializationErrorf("cannot serialize unknown host type %T", v)
	}
}

// encodeString charges the string's bytes to the memory limiter before
// materialising it. Inside limiter-disabled windows the charge only
// updates accounting; with the limiter enabled a refusal surfaces here
// instead of long-jumping out of the VM.
func (e *Executor) encodeString(s string) (lua.LValue, error) {
	if !e.cb.mem.alloc(false, 0, int64(len(s))) {
		return nil, serializationErrorf("reached lua memory limit")
	}
	return lua.LString(s), nil
}

func (e *Executor) encodeSlice(rv reflect.Value, depth int) (lua.LValue, error) {
	tbl := e.L.NewTable()
	for i := 0; i < rv.Len(); i++ {
		lv, err := e.encode(rv.Index(i).Interface(), depth+1)
		if err != nil {
			return nil, err
		}
		tbl.RawSetInt(i+1, lv)
	}
	return tbl, nil
}

func (e *Executor) encodeMap(rv reflect.Value, depth int) (lua.LValue, error) {
	tbl := e.L.NewTable()
	iter := rv.MapRange()
	for iter.Next() {
		k, err := e.encode(iter.Key().Interface(), depth+1)
		if err != nil {
			return nil, err
		}
		val, err := e.encode(iter.Value().Interface(), depth+1)
		if err != nil {
			return nil, err
		}
		tbl.RawSet(k, val)
	}
	return tbl, nil
}

// decode translates a VM value into a host value. Tables decode as
// mappings regardless of shape, matching the encode direction's dict
// handling; numbers widen to float64; strings are byte-exact. A capsule
// decodes back to the host value it carries. Functions decode to an opaque
// callable that re-enters the VM through a protected call.
func (e *Executor) decode(lv lua.LValue, depth int) (any, error) {
	if depth > e.opts.MaxDepth {
		return nil, serializationErrorf("decode recursed too far (depth %d)", depth)
	}

	switch tv := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(tv), nil
	case lua.LNumber:
		return float64(tv), nil
	case lua.LString:
		return string(tv), nil
	case *lua.LTable:
		return e.decodeTable(tv, depth)
	case *lua.LUserData:
		c, ok := tv.Value.(*capsule)
		if !ok {
			return nil, serializationErrorf("cannot deserialize foreign userdata %T", tv.Value)
		}
		return c.val, nil
	case *lua.LFunction:
		return &ScriptFunc{e: e, fn: tv}, nil
	default:
		return nil, serializationErrorf("cannot deserialize unknown lua type %s", lv.Type().String())
	}
}

func (e *Executor) decodeTable(tbl *lua.LTable, depth int) (any, error) {
	out := make(map[any]any)
	var k lua.LValue = lua.LNil
	for {
		var v lua.LValue
		k, v = tbl.Next(k)
		if k == lua.LNil {
			break
		}
		dk, err := e.decode(k, depth+1)
		if err != nil {
			return nil, err
		}
		if dk == nil || !reflect.TypeOf(dk).Comparable() {
			return nil, serializationErrorf("table key %s is not usable as a map key", k.Type().String())
		}
		dv, err := e.decode(v, depth+1)
		if err != nil {
			return nil, err
		}
		out[dk] = dv
	}
	return out, nil
}

// decodeMulti decodes count stack values starting at stack index start into
// an ordered host-side sequence.
func (e *Executor) decodeMulti(start, count int) ([]any, error) {
	out := make([]any, 0, count)
	for i := 0; i < count; i++ {
		v, err := e.decode(e.L.Get(start+i), 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ScriptFunc is a Lua function decoded out of the VM: an opaque host-side
// callable. Calling it pushes the function with its marshalled arguments
// and performs a protected call; the result is marshalled back.
//
// A ScriptFunc is bound to the executor it came from. Calling it while that
// executor is mid-Execute is only legal from inside a host callback (the
// cooperative single-threaded model); calls from other goroutines at that
// time are a programmer error.
type ScriptFunc struct {
	e  *Executor
	fn *lua.LFunction
}

// Call invokes the underlying Lua function with the given host arguments
// and returns its first result.
func (f *ScriptFunc) Call(args ...any) (any, error) {
	e := f.e
	if e.cb.closed.Load() {
		return nil, ErrClosed
	}

	// Re-entrant calls arrive on the VM goroutine with the VM lock already
	// held by the surrounding Execute; only lock when called from outside.
	if !e.cb.running.Load() {
		e.vmMu.Lock()
		defer e.vmMu.Unlock()
		if e.cb.closed.Load() {
			return nil, ErrClosed
		}
	}

	largs := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		lv, err := e.encode(a, 0)
		if err != nil {
			return nil, err
		}
		largs = append(largs, lv)
	}

	var result any
	err := e.cb.protect(func() error {
		if err := e.L.CallByParam(lua.P{Fn: f.fn, NRet: 1, Protect: true}, largs...); err != nil {
			return err
		}
		ret := e.L.Get(-1)
		e.L.Pop(1)
		var derr error
		result, derr = e.decode(ret, 0)
		return derr
	})
	if err != nil {
		return nil, e.translateCallError(err)
	}
	return result, nil
}

func (e *Executor) translateCallError(err error) error {
	if apiErr, ok := err.(*lua.ApiError); ok {
		msg, cause := apiErrorMessage(apiErr)
		return &ScriptError{Message: msg, StackTrace: apiErr.StackTrace, Cause: cause}
	}
	return err
}
