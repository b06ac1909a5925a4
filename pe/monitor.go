package pe

// Unreadable replaces register words that could not be read in a snapshot.
const Unreadable uint32 = 0xDEADBEEF

// SlotSnapshot is the register view of one slot.
type SlotSnapshot struct {
	Slot  Slot
	State SlotState
	ISR   uint32
	Ret   [2]uint32
	Args  [MaxArgs][2]uint32
	// Err is the first read failure; the affected words hold Unreadable.
	Err error
}

// Snapshot reads the status, return and argument registers of every slot.
// It does not take slot ownership, so values of running jobs may be torn.
func (rt *Runtime) Snapshot() []SlotSnapshot {
	out := make([]SlotSnapshot, 0, rt.reg.Len())
	for _, slot := range rt.reg.slots {
		snap := SlotSnapshot{Slot: slot}
		snap.State, _ = rt.pool.State(slot.ID)
		read := func(off uint64) uint32 {
			v, err := read32(rt.dev, slot.Base+off)
			if err != nil {
				if snap.Err == nil {
					snap.Err = err
				}
				return Unreadable
			}
			return v
		}
		snap.ISR = read(RegISR)
		snap.Ret[0] = read(RegRet0)
		snap.Ret[1] = read(RegRet1)
		for i := 0; i < MaxArgs; i++ {
			snap.Args[i][0] = read(ArgOffset(i, 0))
			snap.Args[i][1] = read(ArgOffset(i, 1))
		}
		out = append(out, snap)
	}
	return out
}

// Peek reads a raw device register.
func (rt *Runtime) Peek(addr uint64) (uint32, error) {
	if rt.closed.Load() {
		return 0, ErrClosed
	}
	return read32(rt.dev, addr)
}

// Poke writes a raw device register.
func (rt *Runtime) Poke(addr uint64, v uint32) error {
	if rt.closed.Load() {
		return ErrClosed
	}
	return write32(rt.dev, addr, v)
}
