// Package handles provides typed, generation-checked handles for native
// objects that cross the extension ABI.
//
// A handle packs a slot index and the slot's generation into one uint64, so
// a handle that outlives its object is detected on lookup instead of
// resolving to whatever reuses the slot.
package handles

import "errors"

// ErrInvalidHandle is returned for zero, foreign or stale handles.
var ErrInvalidHandle = errors.New("handles: invalid handle")

// Handle identifies an entry in a Table. The zero Handle is never valid.
type Handle uint64

func makeHandle(index uint32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type slot[T any] struct {
	value T
	gen   uint32
	used  bool
}

// Table stores values of type T behind generation-checked handles.
// It is not safe for concurrent use; the env confines it to the engine
// thread.
type Table[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	// Generation 0 is reserved so the zero Handle never resolves.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.value = v
	s.used = true
	t.count++
	return makeHandle(idx, s.gen)
}

// Get returns the value for h.
func (t *Table[T]) Get(h Handle) (T, error) {
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove drops h and returns the value it referred to. The slot is
// recycled with a new generation.
func (t *Table[T]) Remove(h Handle) (T, error) {
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	v := s.value
	var zero T
	s.value = zero
	s.used = false
	t.free = append(t.free, h.index())
	t.count--
	return v, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	return t.count
}

// Each calls fn for every live entry until fn returns false.
func (t *Table[T]) Each(fn func(h Handle, v T) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeHandle(uint32(i), s.gen), s.value) {
			return
		}
	}
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if h == 0 {
		return nil, ErrInvalidHandle
	}
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[idx]
	if !s.used || s.gen != h.gen() {
		return nil, ErrInvalidHandle
	}
	return s, nil
}
