package pe

import "sync/atomic"

// Counter names a process-wide performance counter.
type Counter int

const (
	CounterTotalIRQ Counter = iota
	CounterSlotIRQ
	CounterDMAIRQ
	CounterDMATransfers
	CounterDMABytes
	CounterJobsLaunched
	CounterJobsCompleted
	CounterAcquireWaits
	CounterSlotFaults
	numCounters
)

var counterNames = [numCounters]string{
	"total_irq",
	"slot_irq",
	"dma_irq",
	"dma_transfers",
	"dma_bytes",
	"jobs_launched",
	"jobs_completed",
	"acquire_waits",
	"slot_faults",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters lists every counter in declaration order.
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

var perfc struct {
	enabled atomic.Bool
	values  [numCounters]atomic.Uint64
}

// EnablePerfCounters starts counting from zero.
func EnablePerfCounters() {
	for i := range perfc.values {
		perfc.values[i].Store(0)
	}
	perfc.enabled.Store(true)
}

// DisablePerfCounters stops counting and clears all values.
func DisablePerfCounters() {
	perfc.enabled.Store(false)
	for i := range perfc.values {
		perfc.values[i].Store(0)
	}
}

// PerfCountersEnabled reports whether counters are live.
func PerfCountersEnabled() bool {
	return perfc.enabled.Load()
}

// PerfCounter returns the current value of c.
func PerfCounter(c Counter) uint64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return perfc.values[c].Load()
}

// PerfSnapshot returns all counters keyed by name.
func PerfSnapshot() map[string]uint64 {
	out := make(map[string]uint64, numCounters)
	for i := range perfc.values {
		out[counterNames[i]] = perfc.values[i].Load()
	}
	return out
}

func perfInc(c Counter, n uint64) {
	if !perfc.enabled.Load() {
		return
	}
	perfc.values[c].Add(n)
}
