package pe

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MaxInstances is the number of slots a composition can describe.
const MaxInstances = 128

// FuncID names a hardware kernel. Zero marks an empty slot.
type FuncID uint32

// SlotID indexes a PE instantiation site within a device.
type SlotID int

// Entry is one composition record.
type Entry struct {
	Func FuncID
	Base uint64
}

// Composition maps slot ids to the function and register base occupying them.
// It is fixed for the lifetime of a loaded bitstream.
type Composition struct {
	entries [MaxInstances]Entry
}

// NewComposition returns an empty composition.
func NewComposition() *Composition {
	return &Composition{}
}

// Set records function f with register base at slot id.
func (c *Composition) Set(id SlotID, f FuncID, base uint64) error {
	if id < 0 || id >= MaxInstances {
		return fmt.Errorf("%w: slot %d outside 0..%d", ErrInvalidArgument, id, MaxInstances-1)
	}
	c.entries[id] = Entry{Func: f, Base: base}
	return nil
}

// Entry returns the record stored for slot id.
func (c *Composition) Entry(id SlotID) Entry {
	if c == nil || id < 0 || id >= MaxInstances {
		return Entry{}
	}
	return c.entries[id]
}

type compositionFile struct {
	Slots []struct {
		Slot     SlotID  `json:"slot"`
		Function FuncID  `json:"function"`
		Base     hexAddr `json:"base"`
	} `json:"slots"`
}

// hexAddr decodes either a JSON number or a string such as "0x43c00000".
type hexAddr uint64

func (h *hexAddr) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	v, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", raw, err)
	}
	*h = hexAddr(v)
	return nil
}

// LoadComposition decodes a JSON composition descriptor of the form
//
//	{"slots": [{"slot": 0, "function": 10, "base": "0x43c00000"}]}
func LoadComposition(r io.Reader) (*Composition, error) {
	var file compositionFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode composition: %w", err)
	}
	comp := NewComposition()
	seen := make(map[SlotID]bool, len(file.Slots))
	for _, s := range file.Slots {
		if seen[s.Slot] {
			return nil, fmt.Errorf("%w: slot %d listed twice", ErrInvalidArgument, s.Slot)
		}
		seen[s.Slot] = true
		if err := comp.Set(s.Slot, s.Function, uint64(s.Base)); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

// LoadCompositionFile reads a composition descriptor from path.
func LoadCompositionFile(path string) (*Composition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadComposition(f)
}
