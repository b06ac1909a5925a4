package pe

import "sort"

// Slot is the immutable identity of a PE instantiation site.
type Slot struct {
	ID   SlotID
	Func FuncID
	Base uint64
}

// Registry enumerates the slots of a composition, grouped by function.
type Registry struct {
	slots  []Slot
	index  map[SlotID]int
	byFunc map[FuncID][]int
}

// NewRegistry scans the composition and records every occupied slot in
// ascending slot order. That order is the acquisition tie-break.
func NewRegistry(comp *Composition) (*Registry, error) {
	if comp == nil {
		return nil, ErrInvalidHandle{"composition"}
	}
	r := &Registry{
		index:  make(map[SlotID]int),
		byFunc: make(map[FuncID][]int),
	}
	for id := SlotID(0); id < MaxInstances; id++ {
		e := comp.entries[id]
		if e.Func == 0 {
			continue
		}
		idx := len(r.slots)
		r.slots = append(r.slots, Slot{ID: id, Func: e.Func, Base: e.Base})
		r.index[id] = idx
		r.byFunc[e.Func] = append(r.byFunc[e.Func], idx)
	}
	return r, nil
}

// Count returns the number of slots implementing f; zero for unknown functions.
func (r *Registry) Count(f FuncID) int {
	if r == nil {
		return 0
	}
	return len(r.byFunc[f])
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.slots)
}

// Slots returns all slots in ascending id order.
func (r *Registry) Slots() []Slot {
	if r == nil {
		return nil
	}
	return append([]Slot(nil), r.slots...)
}

// Slot looks up a slot by id.
func (r *Registry) Slot(id SlotID) (Slot, bool) {
	if r == nil {
		return Slot{}, false
	}
	idx, ok := r.index[id]
	if !ok {
		return Slot{}, false
	}
	return r.slots[idx], true
}

// Members returns the slots implementing f in ascending id order.
func (r *Registry) Members(f FuncID) []Slot {
	if r == nil {
		return nil
	}
	idxs := r.byFunc[f]
	out := make([]Slot, len(idxs))
	for i, idx := range idxs {
		out[i] = r.slots[idx]
	}
	return out
}

// Funcs lists the distinct function ids, ascending.
func (r *Registry) Funcs() []FuncID {
	if r == nil {
		return nil
	}
	out := make([]FuncID, 0, len(r.byFunc))
	for f := range r.byFunc {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close drops the registry tables. Callers must release every slot first.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.slots = nil
	r.index = nil
	r.byFunc = nil
}

func (r *Registry) indexOf(id SlotID) (int, bool) {
	if r == nil {
		return 0, false
	}
	idx, ok := r.index[id]
	return idx, ok
}
