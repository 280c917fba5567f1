package rv32

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ErrHalted is returned once the guest (or the host) has halted the machine.
var ErrHalted = errors.New("machine halted")

// HaltError carries the exit code of a halted machine. It matches
// ErrHalted with errors.Is.
type HaltError struct {
	Code uint32
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("machine halted with code %d", e.Code)
}

func (e *HaltError) Is(target error) bool {
	return target == ErrHalted
}

// runBatch is the number of steps Run executes between context checks.
const runBatch = 100_000

// Placement positions an optional device in the physical address space.
type Placement struct {
	Base     uint64
	Disabled bool
}

// Layout is the platform memory map.
type Layout struct {
	CLINT    Placement
	PLIC     Placement
	UART     Placement
	Finisher Placement
	Net      Placement // virtio-net
}

// DefaultLayout returns the virt-style memory map expected by OpenSBI's
// generic platform.
func DefaultLayout() Layout {
	return Layout{
		CLINT:    Placement{Base: CLINTBase},
		PLIC:     Placement{Base: PLICBase},
		UART:     Placement{Base: UARTBase},
		Finisher: Placement{Base: FinisherBase},
		Net:      Placement{Base: VirtioBase, Disabled: true},
	}
}

// TrapEvent describes one trap entry.
type TrapEvent struct {
	Cycle   uint64
	PC      uint32 // faulting or interrupted PC
	Cause   uint32
	Tval    uint32
	Handler uint32 // PC after redirection
	From    uint8  // privilege the trap was taken from
	To      uint8  // privilege handling the trap
}

// Options configures a Machine. The zero value is a usable default.
type Options struct {
	RAMBase uint64 // default RAMBase
	RAMSize uint64 // default DefaultRAMSize

	// Output receives bytes the guest transmits on the UART.
	Output io.Writer

	Timer     TimerSource
	TimerRate uint64

	DisableTLB bool
	HartID     uint32

	// MAC is the virtio-net address; the zero value selects DefaultMAC.
	MAC [6]byte

	Logger *slog.Logger

	// TrapHook is called after every trap entry, on the stepping goroutine.
	TrapHook func(TrapEvent)

	// Layout overrides DefaultLayout when non-nil.
	Layout *Layout
}

// Stats reports execution counters.
type Stats struct {
	Cycles    uint64
	Instret   uint64
	Traps     uint64
	TLBHits   uint64
	TLBMisses uint64
}

// Machine is a single-hart RV32IMA platform: CPU, RAM and the standard
// devices wired together.
type Machine struct {
	CPU      *CPU
	Bus      *Bus
	MMU      *MMU
	CLINT    *CLINT
	PLIC     *PLIC
	UART     *UART
	Finisher *Finisher
	Net      *VirtioNet

	log      *slog.Logger
	trapHook func(TrapEvent)
	traps    uint64

	halted   atomic.Bool
	haltCode atomic.Uint32

	bootPC       uint32
	bootDTB      uint32
	resetPending bool
}

// NewMachine builds a machine. Errors here are setup failures: bad RAM
// size or overlapping device windows.
func NewMachine(opts Options) (*Machine, error) {
	ramBase := opts.RAMBase
	if ramBase == 0 {
		ramBase = RAMBase
	}
	ramSize := opts.RAMSize
	if ramSize == 0 {
		ramSize = DefaultRAMSize
	}
	if ramBase+ramSize > 1<<34 || ramBase+ramSize < ramBase {
		return nil, fmt.Errorf("ram [0x%x, 0x%x) exceeds the 34-bit physical address space", ramBase, ramBase+ramSize)
	}
	layout := DefaultLayout()
	if opts.Layout != nil {
		layout = *opts.Layout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ram, err := NewRAM(ramSize)
	if err != nil {
		return nil, err
	}

	bus := NewBus(ramBase, ram)
	cpu := NewCPU(bus)
	cpu.Mhartid = opts.HartID
	cpu.MMU.TLBEnabled = !opts.DisableTLB

	m := &Machine{
		CPU:      cpu,
		Bus:      bus,
		MMU:      cpu.MMU,
		log:      log,
		trapHook: opts.TrapHook,
		bootPC:   uint32(ramBase),
	}

	add := func(name string, p Placement, dev Device) error {
		if err := bus.AddDevice(p.Base, dev); err != nil {
			return fmt.Errorf("map %s: %w", name, err)
		}
		log.Debug("mapped device", "name", name, "base", fmt.Sprintf("0x%x", p.Base), "size", fmt.Sprintf("0x%x", dev.Size()))
		return nil
	}

	if !layout.CLINT.Disabled {
		m.CLINT = NewCLINT(opts.Timer, opts.TimerRate)
		if err := add("clint", layout.CLINT, m.CLINT); err != nil {
			ram.Close()
			return nil, err
		}
		cpu.Clock = m.CLINT
		cpu.AddInterruptSource(m.CLINT)
	}

	if !layout.PLIC.Disabled {
		m.PLIC = NewPLIC()
		if err := add("plic", layout.PLIC, m.PLIC); err != nil {
			ram.Close()
			return nil, err
		}
		cpu.AddInterruptSource(m.PLIC)
	}

	if !layout.UART.Disabled {
		output := opts.Output
		if output == nil {
			output = io.Discard
		}
		m.UART = NewUART(output)
		if m.PLIC != nil {
			m.UART.IRQ = m.PLIC.Line(UARTIRQ)
		}
		if err := add("uart", layout.UART, m.UART); err != nil {
			ram.Close()
			return nil, err
		}
	}

	if !layout.Finisher.Disabled {
		m.Finisher = NewFinisher(m.Halt, m.requestReset)
		if err := add("finisher", layout.Finisher, m.Finisher); err != nil {
			ram.Close()
			return nil, err
		}
	}

	if !layout.Net.Disabled {
		mac := opts.MAC
		if mac == ([6]byte{}) {
			mac = DefaultMAC
		}
		m.Net = NewVirtioNet(bus, mac, log)
		if m.PLIC != nil {
			m.Net.Transport.IRQ = m.PLIC.Line(VirtioNetIRQ)
		}
		if err := add("virtio-net", layout.Net, m.Net.Transport); err != nil {
			ram.Close()
			return nil, err
		}
	}

	log.Info("machine created",
		"ram_base", fmt.Sprintf("0x%x", ramBase),
		"ram_size", ramSize,
		"timer", opts.Timer.String(),
		"tlb", cpu.MMU.TLBEnabled,
	)
	return m, nil
}

// Boot resets the hart to M-mode at pc with a0 = hartid and a1 = dtb, the
// register convention OpenSBI and Linux expect.
func (m *Machine) Boot(pc, dtb uint32) {
	m.bootPC = pc
	m.bootDTB = dtb
	m.reset()
}

func (m *Machine) reset() {
	m.CPU.Reset(m.bootPC)
	m.CPU.WriteReg(10, m.CPU.Mhartid)
	m.CPU.WriteReg(11, m.bootDTB)
	if m.CLINT != nil {
		m.CLINT.Reset()
	}
	if m.Net != nil {
		m.Net.Transport.reset()
	}
	m.resetPending = false
}

func (m *Machine) requestReset() {
	m.resetPending = true
}

// Step executes one instruction, takes one interrupt, or idles one cycle in
// WFI. It returns false once the machine has halted.
func (m *Machine) Step() bool {
	if m.halted.Load() {
		return false
	}

	cpu := m.CPU
	if m.CLINT != nil {
		m.CLINT.Tick()
	}
	if m.Net != nil {
		m.Net.Poll()
	}

	retired := false
	switch {
	case cpu.WFI && cpu.liveMip()&cpu.Mie == 0:
		// still waiting
	default:
		cpu.WFI = false
		if cause, ok := cpu.CheckInterrupt(); ok {
			m.trap(cause, 0)
		} else {
			retired = m.execute()
		}
	}
	cpu.advanceCounters(retired)

	if m.resetPending {
		m.log.Info("guest requested reset", "pc", fmt.Sprintf("0x%x", m.bootPC))
		m.reset()
	}
	return !m.halted.Load()
}

// execute fetches, decodes and executes the instruction at PC, delivering
// any exception. It reports whether the instruction retired.
func (m *Machine) execute() bool {
	cpu := m.CPU
	pc := cpu.PC

	paddr, err := m.MMU.Translate(pc, AccessExec)
	if err != nil {
		m.deliver(err, 0)
		return false
	}
	word, err := m.Bus.Read(paddr, 4)
	if err != nil {
		m.trap(CauseInsnAccessFault, pc)
		return false
	}

	in := Decode(uint32(word))
	if err := cpu.Execute(in); err != nil {
		m.deliver(err, in.Raw)
		return false
	}
	return true
}

// deliver turns an instruction error into a trap. Illegal instruction
// exceptions report the instruction word in tval.
func (m *Machine) deliver(err error, raw uint32) {
	var exc ExceptionError
	if !errors.As(err, &exc) {
		m.log.Error("unexpected execution error", "pc", fmt.Sprintf("0x%x", m.CPU.PC), "error", err)
		exc = ExceptionError{Cause: CauseIllegalInsn}
	}
	if exc.Cause == CauseIllegalInsn {
		exc.Tval = raw
	}
	m.trap(exc.Cause, exc.Tval)
}

func (m *Machine) trap(cause, tval uint32) {
	cpu := m.CPU
	pc, from := cpu.PC, cpu.Priv
	cpu.HandleTrap(cause, tval)
	m.traps++

	if m.trapHook != nil {
		m.trapHook(TrapEvent{
			Cycle:   cpu.Cycle,
			PC:      pc,
			Cause:   cause,
			Tval:    tval,
			Handler: cpu.PC,
			From:    from,
			To:      cpu.Priv,
		})
	}
}

// InterruptPending reports whether an interrupt would be taken before the
// next instruction.
func (m *Machine) InterruptPending() bool {
	_, ok := m.CPU.CheckInterrupt()
	return ok
}

// RunN executes up to n steps and returns how many ran. It stops early with
// a *HaltError when the machine halts.
func (m *Machine) RunN(n uint64) (uint64, error) {
	var i uint64
	for ; i < n; i++ {
		if m.halted.Load() {
			return i, m.haltError()
		}
		m.Step()
	}
	if m.halted.Load() {
		return i, m.haltError()
	}
	return i, nil
}

// Run steps the machine until it halts or ctx is done. The context is
// checked between batches of steps, never mid-instruction.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.RunN(runBatch); err != nil {
			return err
		}
	}
}

// Halt stops the machine with an exit code. It is safe to call from any
// goroutine; a running Step completes first.
func (m *Machine) Halt(code uint32) {
	if m.halted.Swap(true) {
		return
	}
	m.haltCode.Store(code)
	m.log.Info("machine halted", "code", code)
}

// Halted reports whether the machine has halted.
func (m *Machine) Halted() bool {
	return m.halted.Load()
}

func (m *Machine) haltError() error {
	return &HaltError{Code: m.haltCode.Load()}
}

// Stats returns the current execution counters.
func (m *Machine) Stats() Stats {
	return Stats{
		Cycles:    m.CPU.Cycle,
		Instret:   m.CPU.Instret,
		Traps:     m.traps,
		TLBHits:   m.MMU.TLBHits,
		TLBMisses: m.MMU.TLBMisses,
	}
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrUnmapped, off)
	}
	addr := uint64(off)
	if ram := m.Bus.RAM; addr >= m.Bus.RAMBase && addr-m.Bus.RAMBase+uint64(len(p)) <= ram.Size() {
		return copy(p, ram.Data[addr-m.Bus.RAMBase:]), nil
	}
	for i := range p {
		val, err := m.Bus.Read(addr+uint64(i), 1)
		if err != nil {
			return i, err
		}
		p[i] = byte(val)
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrUnmapped, off)
	}
	if err := m.Bus.LoadBytes(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return m.Bus.RAM.Close()
}

var (
	_ io.ReaderAt = (*Machine)(nil)
	_ io.WriterAt = (*Machine)(nil)
)
