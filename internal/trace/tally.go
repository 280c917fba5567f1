package trace

import (
	"sync"

	"github.com/tinyrange/rv32/internal/rv32"
)

// Tally counts traps by cause without keeping the records. Its memory use
// is bounded by the number of distinct causes.
type Tally struct {
	mu     sync.Mutex
	counts map[uint32]int
}

// Trap counts one trap entry.
func (t *Tally) Trap(ev rv32.TrapEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[uint32]int)
	}
	t.counts[ev.Cause]++
}

// Hook returns a function suitable for Options.TrapHook.
func (t *Tally) Hook() func(rv32.TrapEvent) {
	return t.Trap
}

// Summary returns the counts, most frequent first.
func (t *Tally) Summary() []CauseCount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortCounts(t.counts)
}
