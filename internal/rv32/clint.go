package rv32

import (
	"fmt"
	"time"
)

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (hart 0)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (hart 0)
	CLINTMtime    = 0xbff8 // Machine Time
)

// TimerSource selects what drives mtime.
type TimerSource int

const (
	// TimerStep advances mtime by a fixed amount every step, which keeps
	// runs deterministic.
	TimerStep TimerSource = iota
	// TimerWall derives mtime from the host clock.
	TimerWall
)

func (s TimerSource) String() string {
	switch s {
	case TimerStep:
		return "step"
	case TimerWall:
		return "wall"
	}
	return fmt.Sprintf("TimerSource(%d)", int(s))
}

// DefaultTimerFrequency is the wall-clock mtime rate in Hz.
const DefaultTimerFrequency = 10_000_000

const wallTickInterval = 1024

// CLINT implements the Core Local Interruptor for a single hart.
type CLINT struct {
	source TimerSource
	// mtime ticks per step (TimerStep) or per second (TimerWall)
	rate uint64

	msip     uint32
	mtimecmp uint64
	mtime    uint64

	// wall clock origin; mtime = offset + elapsed*rate
	start  time.Time
	offset uint64
	ticks  uint64
}

// NewCLINT creates a CLINT. A zero rate selects 1 tick per step or
// DefaultTimerFrequency for the wall clock.
func NewCLINT(source TimerSource, rate uint64) *CLINT {
	if rate == 0 {
		rate = 1
		if source == TimerWall {
			rate = DefaultTimerFrequency
		}
	}
	c := &CLINT{source: source, rate: rate}
	c.Reset()
	return c
}

// Reset restores the power-on state: mtime 0, no timer armed.
func (c *CLINT) Reset() {
	c.msip = 0
	c.mtimecmp = ^uint64(0)
	c.mtime = 0
	c.offset = 0
	c.start = time.Now()
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Tick advances mtime. The machine calls it once per step. The wall clock
// is only sampled every wallTickInterval steps; direct reads of mtime or
// the time CSR always see the current value.
func (c *CLINT) Tick() {
	if c.source == TimerStep {
		c.mtime += c.rate
		return
	}
	c.ticks++
	if c.ticks%wallTickInterval == 0 {
		c.refresh()
	}
}

func (c *CLINT) refresh() {
	elapsed := uint64(time.Since(c.start))
	c.mtime = c.offset + elapsed/uint64(time.Second)*c.rate +
		elapsed%uint64(time.Second)*c.rate/uint64(time.Second)
}

// Mtime implements Clock
func (c *CLINT) Mtime() uint64 {
	if c.source == TimerWall {
		c.refresh()
	}
	return c.mtime
}

// SetMtime sets the current time.
func (c *CLINT) SetMtime(v uint64) {
	c.mtime = v
	if c.source == TimerWall {
		c.start = time.Now()
		c.offset = v
	}
}

// PendingInterrupts implements InterruptSource
func (c *CLINT) PendingInterrupts() uint32 {
	var mip uint32
	if c.msip&1 != 0 {
		mip |= MipMSIP
	}
	if c.mtime >= c.mtimecmp {
		mip |= MipMTIP
	}
	return mip
}

// register returns the 64-bit register covering offset and its base.
func (c *CLINT) register(offset uint64) (uint64, uint64, bool) {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		return uint64(c.msip), CLINTMsip, true
	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, CLINTMtimecmp, true
	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.Mtime(), CLINTMtime, true
	}
	return 0, 0, false
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	reg, base, ok := c.register(offset)
	if !ok {
		return 0, fmt.Errorf("%w: clint offset 0x%x", ErrUnmapped, offset)
	}
	shift := (offset - base) * 8
	return (reg >> shift) & sizeMask(size), nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	reg, base, ok := c.register(offset)
	if !ok {
		return fmt.Errorf("%w: clint offset 0x%x", ErrUnmapped, offset)
	}
	shift := (offset - base) * 8
	mask := sizeMask(size) << shift
	reg = (reg &^ mask) | ((value << shift) & mask)

	switch base {
	case CLINTMsip:
		c.msip = uint32(reg) & 1
	case CLINTMtimecmp:
		c.mtimecmp = reg
	case CLINTMtime:
		c.SetMtime(reg)
	}
	return nil
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

var (
	_ Device          = (*CLINT)(nil)
	_ InterruptSource = (*CLINT)(nil)
	_ Clock           = (*CLINT)(nil)
)
