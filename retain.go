package lunar

import (
	"reflect"
	"sync"

	"github.com/oriys/lunar/internal/logging"
)

// retainTable pins host objects referenced from inside the VM. It maps the
// integer identity of a host object to a list of references, one per live
// capsule. The list indirection (rather than a refcount) keeps every pinned
// object reachable from host roots through ordinary Go data structures:
// the collector can always walk the table, even when the only other path
// to the object runs through VM memory it cannot interpret.
//
// Entries are created lazily by the first capsule for an object and
// deleted when the last capsule is finalised. All mutation happens under
// the table's own lock; capsule finalisers capture the table directly, not
// the control block, because finalisers may run after the control block is
// torn down.
type retainTable struct {
	mu      sync.Mutex
	entries map[uintptr][]any
	closed  bool
}

func newRetainTable() *retainTable {
	return &retainTable{entries: make(map[uintptr][]any)}
}

func (t *retainTable) add(id uintptr, v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.entries[id] = append(t.entries[id], v)
}

// release pops one reference for id. Dangling conditions are programmer
// errors, but release runs from finalisers where raising is unsafe, so
// they are logged and swallowed.
func (t *retainTable) release(id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	list, ok := t.entries[id]
	if !ok || len(list) == 0 {
		logging.Op().Warn("dangling retention reference", "id", id)
		return
	}
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(t.entries, id)
	} else {
		t.entries[id] = list
	}
}

// count returns the number of live references for id.
func (t *retainTable) count(id uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[id])
}

// size returns the number of distinct pinned objects.
func (t *retainTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// clear drops every pinned reference and marks the table closed. Called on
// executor close; finaliser releases arriving afterwards become no-ops
// rather than dangling-reference warnings.
func (t *retainTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uintptr][]any)
	t.closed = true
}

// pin returns the value to retain and its identity: the host object's
// address viewed as an integer. Values without a stable address (plain
// structs, scalars) are boxed first, so the capsule carries the box and the
// box's address is the identity. Distinct closures can share a code
// pointer; the retention list tolerates that, since an entry is a bag of
// references rather than a refcount.
func pin(v any) (any, uintptr) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func,
		reflect.Chan, reflect.UnsafePointer:
		return v, rv.Pointer()
	default:
		box := reflect.New(rv.Type())
		box.Elem().Set(rv)
		return box.Interface(), box.Pointer()
	}
}
