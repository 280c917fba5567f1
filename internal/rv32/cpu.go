// Package rv32 implements an RV32IMA emulator core (Zicsr, Zifencei, Zicntr,
// Svadu) capable of booting OpenSBI and Linux.
package rv32

import (
	"encoding/binary"
	"fmt"
)

// Memory layout constants
const (
	RAMBase        uint64 = 0x8000_0000
	DefaultRAMSize uint64 = 128 << 20

	FinisherBase uint64 = 0x0010_0000 // SiFive test device
	FinisherSize uint64 = 0x0000_1000
	CLINTBase    uint64 = 0x0200_0000 // Core Local Interruptor
	CLINTSize    uint64 = 0x0001_0000
	PLICBase     uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize     uint64 = 0x0400_0000
	UARTBase     uint64 = 0x1000_0000
	UARTSize     uint64 = 0x0000_0100
	VirtioBase   uint64 = 0x1000_1000 // first virtio-mmio slot
	VirtioSize   uint64 = 0x0000_1000
)

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// ISA extension bits for misa
const (
	MisaA uint32 = 1 << 0
	MisaI uint32 = 1 << 8
	MisaM uint32 = 1 << 12
	MisaS uint32 = 1 << 18
	MisaU uint32 = 1 << 20

	MXL32 uint32 = 1 << 30
)

// mstatus bits
const (
	MstatusSIE  uint32 = 1 << 1
	MstatusMIE  uint32 = 1 << 3
	MstatusSPIE uint32 = 1 << 5
	MstatusMPIE uint32 = 1 << 7
	MstatusSPP  uint32 = 1 << 8
	MstatusMPP  uint32 = 3 << 11
	MstatusMPRV uint32 = 1 << 17
	MstatusSUM  uint32 = 1 << 18
	MstatusMXR  uint32 = 1 << 19
	MstatusTVM  uint32 = 1 << 20
	MstatusTW   uint32 = 1 << 21
	MstatusTSR  uint32 = 1 << 22
)

const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits
const (
	MipSSIP uint32 = 1 << 1
	MipMSIP uint32 = 1 << 3
	MipSTIP uint32 = 1 << 5
	MipMTIP uint32 = 1 << 7
	MipSEIP uint32 = 1 << 9
	MipMEIP uint32 = 1 << 11
)

// Exception causes
const (
	CauseInsnAddrMisaligned  uint32 = 0
	CauseInsnAccessFault     uint32 = 1
	CauseIllegalInsn         uint32 = 2
	CauseBreakpoint          uint32 = 3
	CauseLoadAddrMisaligned  uint32 = 4
	CauseLoadAccessFault     uint32 = 5
	CauseStoreAddrMisaligned uint32 = 6
	CauseStoreAccessFault    uint32 = 7
	CauseEcallFromU          uint32 = 8
	CauseEcallFromS          uint32 = 9
	CauseEcallFromM          uint32 = 11
	CauseInsnPageFault       uint32 = 12
	CauseLoadPageFault       uint32 = 13
	CauseStorePageFault      uint32 = 15
)

// CauseInterrupt is set in mcause/scause for asynchronous traps.
const CauseInterrupt uint32 = 1 << 31

// Interrupt causes
const (
	CauseSSoftwareInt = CauseInterrupt | 1
	CauseMSoftwareInt = CauseInterrupt | 3
	CauseSTimerInt    = CauseInterrupt | 5
	CauseMTimerInt    = CauseInterrupt | 7
	CauseSExternalInt = CauseInterrupt | 9
	CauseMExternalInt = CauseInterrupt | 11
)

var causeNames = map[uint32]string{
	CauseInsnAddrMisaligned:  "instruction address misaligned",
	CauseInsnAccessFault:     "instruction access fault",
	CauseIllegalInsn:         "illegal instruction",
	CauseBreakpoint:          "breakpoint",
	CauseLoadAddrMisaligned:  "load address misaligned",
	CauseLoadAccessFault:     "load access fault",
	CauseStoreAddrMisaligned: "store/AMO address misaligned",
	CauseStoreAccessFault:    "store/AMO access fault",
	CauseEcallFromU:          "environment call from U-mode",
	CauseEcallFromS:          "environment call from S-mode",
	CauseEcallFromM:          "environment call from M-mode",
	CauseInsnPageFault:       "instruction page fault",
	CauseLoadPageFault:       "load page fault",
	CauseStorePageFault:      "store/AMO page fault",
	CauseSSoftwareInt:        "supervisor software interrupt",
	CauseMSoftwareInt:        "machine software interrupt",
	CauseSTimerInt:           "supervisor timer interrupt",
	CauseMTimerInt:           "machine timer interrupt",
	CauseSExternalInt:        "supervisor external interrupt",
	CauseMExternalInt:        "machine external interrupt",
}

// CauseName returns a human readable name for an mcause/scause value.
func CauseName(cause uint32) string {
	if name, ok := causeNames[cause]; ok {
		return name
	}
	if cause&CauseInterrupt != 0 {
		return fmt.Sprintf("interrupt %d", cause&^CauseInterrupt)
	}
	return fmt.Sprintf("exception %d", cause)
}

// PrivName returns the single letter name of a privilege level.
func PrivName(priv uint8) string {
	switch priv {
	case PrivUser:
		return "U"
	case PrivSupervisor:
		return "S"
	case PrivMachine:
		return "M"
	}
	return "?"
}

// CPU represents the RV32IMA hart state
type CPU struct {
	// Integer registers x0-x31
	X [32]uint32

	PC uint32

	// Current privilege level
	Priv uint8

	CSRFile

	// LR/SC reservation, a physical address
	Reservation      uint64
	ReservationValid bool

	// WFI flag - set when waiting for interrupt
	WFI bool

	Bus *Bus
	MMU *MMU

	// Clock supplies the time CSR; nil falls back to the cycle counter.
	Clock Clock

	irqSources []InterruptSource
}

// Clock is a platform timer readable through the time CSR.
type Clock interface {
	Mtime() uint64
}

// InterruptSource is a device that drives mip bits.
// PendingInterrupts returns the mip bits the device currently asserts.
type InterruptSource interface {
	PendingInterrupts() uint32
}

// NewCPU creates a new CPU in its reset state, attached to bus.
func NewCPU(bus *Bus) *CPU {
	cpu := &CPU{Bus: bus}
	cpu.MMU = NewMMU(cpu)
	cpu.Reset(uint32(RAMBase))
	return cpu
}

// Reset puts the hart in M-mode at pc with all CSRs at their reset values.
func (cpu *CPU) Reset(pc uint32) {
	cpu.X = [32]uint32{}
	cpu.PC = pc
	cpu.Priv = PrivMachine
	hart := cpu.Mhartid
	cpu.CSRFile = CSRFile{}
	cpu.Mhartid = hart
	cpu.Misa = MXL32 | MisaA | MisaI | MisaM | MisaS | MisaU
	cpu.Menvcfgh = MenvcfghADUE
	cpu.WFI = false
	cpu.ReservationValid = false
	if cpu.MMU != nil {
		cpu.MMU.FlushTLB()
	}
}

// AddInterruptSource registers a device whose lines are folded into mip.
func (cpu *CPU) AddInterruptSource(src InterruptSource) {
	cpu.irqSources = append(cpu.irqSources, src)
}

// ReadReg reads an integer register (x0 always returns 0)
func (cpu *CPU) ReadReg(reg uint8) uint32 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (cpu *CPU) WriteReg(reg uint8, val uint32) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

var cpuEndian = binary.LittleEndian

// ExceptionError represents a synchronous exception raised by an instruction.
type ExceptionError struct {
	Cause uint32
	Tval  uint32
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: %s tval=0x%x", CauseName(e.Cause), e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint32, tval uint32) error {
	return ExceptionError{Cause: cause, Tval: tval}
}
