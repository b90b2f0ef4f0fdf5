package lunar

import (
	"fmt"
	"reflect"
	"runtime"

	"github.com/oriys/lunar/internal/metrics"
	lua "github.com/yuin/gopher-lua"
)

// Capsule marks a host value for opaque transfer into the VM, with control
// over how the resulting VM value behaves. Pass one (or a pointer to one)
// anywhere a host value is encoded.
type Capsule struct {
	// Value is the host object the capsule carries.
	Value any
	// Cache enables the per-capsule attribute cache: repeated index
	// operations with the same key hit the cache instead of the host.
	Cache bool
	// Recursive makes attribute access capsule-wrap non-scalar results
	// with the same Cache and Recursive flags (RawArgs is not carried over),
	// instead of deep-encoding them into VM tables.
	Recursive bool
	// RawArgs makes a callable capsule receive the VM state directly
	// instead of marshalled arguments. Value must then be a
	// func(*lua.LState) int.
	RawArgs bool
}

// capsule is the payload behind the VM-side userdata. The capsule takes no
// reference of its own on val; liveness derives entirely from the
// retention table entry created alongside it.
type capsule struct {
	val any
	id  uintptr

	// cache is allocated at the first cacheable miss. An entry present
	// with a nil value is a cached nil; absence is a miss.
	cache map[lua.LValue]lua.LValue

	shouldCache bool
	recursive   bool
	rawLuaArgs  bool
}

// newCapsule creates the VM-side userdata for a host value, attaches the
// capsule metatable, and appends a reference to the retention table. The
// finaliser captures the retention table and the identity only — never the
// executor — because finalisers may fire after Close has torn the control
// block down.
func (e *Executor) newCapsule(v any, cache, recursive, rawArgs bool) *lua.LUserData {
	retained, id := pin(v)
	c := &capsule{
		val:         v,
		id:          id,
		shouldCache: cache,
		recursive:   recursive,
		rawLuaArgs:  rawArgs,
	}

	ud := e.L.NewUserData()
	ud.Value = c
	e.L.SetMetatable(ud, e.capsuleMT)

	retain := e.cb.retain
	retain.add(id, retained)
	metrics.Global().RecordCapsuleCreated()

	runtime.SetFinalizer(ud, func(_ *lua.LUserData) {
		retain.release(id)
		metrics.Global().RecordCapsuleFinalized()
	})
	return ud
}

// newCapsuleMetatable builds the shared metatable for all capsules of this
// executor: lazy cached index, the host-call bridge, and a readable
// tostring.
func (e *Executor) newCapsuleMetatable() *lua.LTable {
	mt := e.L.NewTable()
	e.L.SetField(mt, "__index", e.L.NewFunction(e.lazyIndex))
	e.L.SetField(mt, "__call", e.L.NewFunction(e.capsuleCall))
	e.L.SetField(mt, "__tostring", e.L.NewFunction(func(L *lua.LState) int {
		c := checkCapsule(L)
		L.Push(lua.LString(fmt.Sprintf("capsule(%T)", c.val)))
		return 1
	}))
	return mt
}

func checkCapsule(L *lua.LState) *capsule {
	ud := L.CheckUserData(1)
	c, ok := ud.Value.(*capsule)
	if !ok {
		L.RaiseError("capsule expected, got %T", ud.Value)
	}
	return c
}

// lazyIndex is the capsule __index metamethod. The memory limiter is off
// for the whole access: the host side allocates freely and an allocation
// refusal inside it could not unwind safely. The host lock is held only
// around the host proxy call, and the limiter is restored to its prior
// state on every exit path.
func (e *Executor) lazyIndex(L *lua.LState) int {
	c := checkCapsule(L)
	key := L.Get(2)

	prev := e.cb.mem.isEnabled()
	e.cb.mem.disable()

	if c.shouldCache {
		if v, ok := c.cache[key]; ok {
			e.cb.mem.setEnabled(prev)
			L.Push(v)
			return 1
		}
	}

	e.hostLock.Lock()
	lv, err := e.hostIndex(c, key)
	var errUD *lua.LUserData
	if err != nil {
		errUD = e.newCapsule(err, false, false, false)
	}
	e.hostLock.Unlock()

	if errUD != nil {
		e.cb.mem.setEnabled(prev)
		L.Error(errUD, 1) // does not return
	}

	if c.shouldCache {
		if c.cache == nil {
			c.cache = make(map[lua.LValue]lua.LValue)
		}
		c.cache[key] = lv
	}

	e.cb.mem.setEnabled(prev)
	L.Push(lv)
	return 1
}

// hostIndex resolves an attribute access on the captured host value:
// map lookup, slice/array element, struct field, or method, in that order
// of specificity. Results are capsule-wrapped when the capsule is
// recursive and the result is not a scalar; otherwise they are encoded.
func (e *Executor) hostIndex(c *capsule, key lua.LValue) (lua.LValue, error) {
	hk, err := e.decode(key, 0)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(c.val)
	elem := rv
	for elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			return nil, fmt.Errorf("index through nil pointer")
		}
		elem = elem.Elem()
	}

	switch elem.Kind() {
	case reflect.Map:
		mk, err := convertValue(reflect.ValueOf(hk), elem.Type().Key())
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		mv := elem.MapIndex(mk)
		if !mv.IsValid() {
			return lua.LNil, nil
		}
		return e.wrapIndexResult(c, mv.Interface())

	case reflect.Slice, reflect.Array:
		n, ok := hk.(float64)
		if !ok {
			return nil, fmt.Errorf("%s index must be a number", elem.Kind())
		}
		i := int(n)
		if i < 0 || i >= elem.Len() {
			return nil, fmt.Errorf("index %d out of range [0,%d)", i, elem.Len())
		}
		return e.wrapIndexResult(c, elem.Index(i).Interface())

	case reflect.Struct:
		name, ok := hk.(string)
		if !ok {
			return nil, fmt.Errorf("struct attribute must be a string")
		}
		if f := elem.FieldByName(name); f.IsValid() && f.CanInterface() {
			return e.wrapIndexResult(c, f.Interface())
		}
		if m := rv.MethodByName(name); m.IsValid() {
			return e.wrapIndexResult(c, m.Interface())
		}
		return nil, fmt.Errorf("%T has no attribute %q", c.val, name)

	default:
		return nil, fmt.Errorf("%T is not indexable", c.val)
	}
}

func (e *Executor) wrapIndexResult(c *capsule, v any) (lua.LValue, error) {
	if c.recursive && !isScalar(v) {
		return e.newCapsule(v, c.shouldCache, true, false), nil
	}
	return e.encode(v, 0)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// capsuleCall is the capsule __call metamethod: the VM→host direction of
// the bridge. Choreography per the locking rules: limiter off, host lock,
// host call, encode, unlock, limiter restored, time limiter re-checked
// (the host call may have been slow and the instruction hook does not fire
// while the host runs).
func (e *Executor) capsuleCall(L *lua.LState) int {
	c := checkCapsule(L)

	if c.rawLuaArgs {
		fn, ok := c.val.(func(*lua.LState) int)
		if !ok {
			L.RaiseError("raw capsule value is %T, want func(*lua.LState) int", c.val)
		}
		return fn(L)
	}

	prev := e.cb.mem.isEnabled()
	e.cb.mem.disable()

	// arg 1 is the capsule userdata itself
	nargs := L.GetTop() - 1

	e.hostLock.Lock()
	args, err := e.decodeMulti(2, nargs)
	var result any
	if err == nil {
		result, err = callHostCallable(c.val, args)
	}
	var lv lua.LValue
	if err == nil {
		lv, err = e.encode(result, 0)
	}
	var errUD *lua.LUserData
	if err != nil {
		errUD = e.newCapsule(err, false, false, false)
	}
	e.hostLock.Unlock()

	e.cb.mem.setEnabled(prev)

	if errUD != nil {
		L.Error(errUD, 1) // does not return
	}

	if e.cb.rt.expired() {
		L.RaiseError("%s", e.cb.rt.quotaMessage())
	}

	L.Push(lv)
	return 1
}

// callHostCallable invokes a host callable with decoded arguments. The
// canonical shape func(...any) (any, error) is dispatched directly; any
// other func is called through reflection with argument conversion.
// Exactly one result flows back to the VM; a trailing error result is
// split off and raised.
func callHostCallable(v any, args []any) (any, error) {
	switch f := v.(type) {
	case func(...any) (any, error):
		return f(args...)
	case func(...any) any:
		return f(args...), nil
	case func() (any, error):
		return f()
	case func() any:
		return f(), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("host value %T is not callable", v)
	}
	return reflectCall(rv, args)
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func reflectCall(fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("callable wants at least %d args, got %d", fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("callable wants %d args, got %d", fixed, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var want reflect.Type
		if i < fixed {
			want = ft.In(i)
		} else {
			want = ft.In(ft.NumIn() - 1).Elem()
		}
		cv, err := convertValue(reflect.ValueOf(a), want)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i+1, err)
		}
		in[i] = cv
	}

	out := fn.Call(in)

	// split a trailing error result off
	if n := len(out); n > 0 && out[n-1].Type().Implements(errType) {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		// one return value crosses the bridge
		return nil, fmt.Errorf("callable returned %d values, want at most one", len(out))
	}
}

// convertValue coerces a decoded host value to the target type. Decoded
// numbers are float64; integer targets accept them when the value is
// integral.
func convertValue(v reflect.Value, want reflect.Type) (reflect.Value, error) {
	if !v.IsValid() {
		return reflect.Zero(want), nil
	}
	if v.Type() == want || (want.Kind() == reflect.Interface && v.Type().Implements(want)) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if v.Kind() == reflect.Float64 || v.Kind() == reflect.Float32 {
				f := v.Float()
				if f != float64(int64(f)) {
					return reflect.Value{}, fmt.Errorf("number %v is not integral", f)
				}
			}
		}
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", v.Type(), want)
}
