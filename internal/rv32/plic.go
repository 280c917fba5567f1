package rv32

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICEnableStride  = 0x80
	PLICContextBase   = 0x200000 // Threshold and claim per context
	PLICContextStride = 0x1000
)

// PLICSources is the number of interrupt sources, including the reserved
// source 0.
const PLICSources = 32

// Contexts: hart 0 M-mode and hart 0 S-mode
const (
	PLICContextM = 0
	PLICContextS = 1
	plicContexts = 2
)

// IRQ source numbers used by the built-in devices
const (
	VirtioNetIRQ = 1
	UARTIRQ      = 10
)

// IRQLine is a level-sensitive interrupt line into an interrupt controller.
type IRQLine interface {
	SetLevel(high bool)
}

// PLIC implements the Platform Level Interrupt Controller with two
// contexts whose outputs drive mip.MEIP and mip.SEIP.
type PLIC struct {
	mu sync.Mutex

	// Priority for each source (0 = never interrupts)
	priority [PLICSources]uint32

	// pending and in-service (claimed, not completed) source bitmaps
	pending uint32
	claimed uint32
	// current level of each input line
	level uint32

	enable    [plicContexts]uint32
	threshold [plicContexts]uint32

	// mip bits derived from the state above, readable without the lock
	out atomic.Uint32
}

// NewPLIC creates a new PLIC
func NewPLIC() *PLIC {
	return &PLIC{}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Line returns the input line for source. Lines are level triggered.
func (p *PLIC) Line(source int) IRQLine {
	return plicLine{plic: p, source: source}
}

type plicLine struct {
	plic   *PLIC
	source int
}

func (l plicLine) SetLevel(high bool) {
	l.plic.SetLevel(l.source, high)
}

// SetLevel drives the input line of source.
func (p *PLIC) SetLevel(source int, high bool) {
	if source <= 0 || source >= PLICSources {
		return
	}
	bit := uint32(1) << source

	p.mu.Lock()
	defer p.mu.Unlock()

	if high {
		p.level |= bit
		if p.claimed&bit == 0 {
			p.pending |= bit
		}
	} else {
		p.level &^= bit
		p.pending &^= bit
	}
	p.update()
}

// PendingInterrupts implements InterruptSource
func (p *PLIC) PendingInterrupts() uint32 {
	return p.out.Load()
}

// best returns the highest priority source pending and enabled for ctx
// above its threshold. Ties go to the lowest source number.
func (p *PLIC) best(ctx int) uint32 {
	candidates := p.pending & p.enable[ctx] &^ 1
	var id, prio uint32
	for candidates != 0 {
		src := uint32(bits.TrailingZeros32(candidates))
		candidates &^= 1 << src
		if pr := p.priority[src]; pr > p.threshold[ctx] && pr > prio {
			id, prio = src, pr
		}
	}
	return id
}

// update recomputes the context outputs. Called with mu held.
func (p *PLIC) update() {
	var mip uint32
	if p.best(PLICContextM) != 0 {
		mip |= MipMEIP
	}
	if p.best(PLICContextS) != 0 {
		mip |= MipSEIP
	}
	p.out.Store(mip)
}

func (p *PLIC) claim(ctx int) uint32 {
	id := p.best(ctx)
	if id != 0 {
		p.pending &^= 1 << id
		p.claimed |= 1 << id
		p.update()
	}
	return id
}

func (p *PLIC) complete(id uint32) {
	if id == 0 || id >= PLICSources {
		return
	}
	bit := uint32(1) << id
	if p.claimed&bit == 0 {
		return
	}
	p.claimed &^= bit
	if p.level&bit != 0 {
		p.pending |= bit
	}
	p.update()
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	if size != 4 || offset&3 != 0 {
		return 0, fmt.Errorf("%w: plic read size %d at 0x%x", ErrBadAccessSize, size, offset)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if src := offset / 4; src < PLICSources {
			return uint64(p.priority[src]), nil
		}

	case offset == PLICPendingBase:
		return uint64(p.pending), nil

	case offset >= PLICEnableBase && offset < PLICContextBase:
		ctx := (offset - PLICEnableBase) / PLICEnableStride
		word := (offset - PLICEnableBase) % PLICEnableStride
		if ctx < plicContexts && word == 0 {
			return uint64(p.enable[ctx]), nil
		}

	case offset >= PLICContextBase:
		ctx := (offset - PLICContextBase) / PLICContextStride
		reg := (offset - PLICContextBase) % PLICContextStride
		if ctx < plicContexts {
			switch reg {
			case 0:
				return uint64(p.threshold[ctx]), nil
			case 4:
				return uint64(p.claim(int(ctx))), nil
			}
		}
	}

	// Unimplemented sources and contexts read as zero
	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	if size != 4 || offset&3 != 0 {
		return fmt.Errorf("%w: plic write size %d at 0x%x", ErrBadAccessSize, size, offset)
	}
	v := uint32(value)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if src := offset / 4; src > 0 && src < PLICSources {
			p.priority[src] = v & 7
			p.update()
		}

	case offset >= PLICEnableBase && offset < PLICContextBase:
		ctx := (offset - PLICEnableBase) / PLICEnableStride
		word := (offset - PLICEnableBase) % PLICEnableStride
		if ctx < plicContexts && word == 0 {
			p.enable[ctx] = v &^ 1
			p.update()
		}

	case offset >= PLICContextBase:
		ctx := (offset - PLICContextBase) / PLICContextStride
		reg := (offset - PLICContextBase) % PLICContextStride
		if ctx < plicContexts {
			switch reg {
			case 0:
				p.threshold[ctx] = v & 7
				p.update()
			case 4:
				p.complete(v)
			}
		}
	}

	return nil
}

var (
	_ Device          = (*PLIC)(nil)
	_ InterruptSource = (*PLIC)(nil)
)
