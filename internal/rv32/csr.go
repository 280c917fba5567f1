package rv32

// CSR addresses
const (
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSenvcfg    uint16 = 0x10A
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180

	CSRMstatus       uint16 = 0x300
	CSRMisa          uint16 = 0x301
	CSRMedeleg       uint16 = 0x302
	CSRMideleg       uint16 = 0x303
	CSRMie           uint16 = 0x304
	CSRMtvec         uint16 = 0x305
	CSRMcounteren    uint16 = 0x306
	CSRMenvcfg       uint16 = 0x30A
	CSRMstatush      uint16 = 0x310
	CSRMenvcfgh      uint16 = 0x31A
	CSRMcountinhibit uint16 = 0x320
	CSRMhpmevent3    uint16 = 0x323
	CSRMhpmevent31   uint16 = 0x33F
	CSRMscratch      uint16 = 0x340
	CSRMepc          uint16 = 0x341
	CSRMcause        uint16 = 0x342
	CSRMtval         uint16 = 0x343
	CSRMip           uint16 = 0x344
	CSRPmpcfg0       uint16 = 0x3A0
	CSRPmpcfg3       uint16 = 0x3A3
	CSRPmpaddr0      uint16 = 0x3B0
	CSRPmpaddr15     uint16 = 0x3BF

	CSRMcycle         uint16 = 0xB00
	CSRMinstret       uint16 = 0xB02
	CSRMhpmcounter3   uint16 = 0xB03
	CSRMhpmcounter31  uint16 = 0xB1F
	CSRMcycleh        uint16 = 0xB80
	CSRMinstreth      uint16 = 0xB82
	CSRMhpmcounter3h  uint16 = 0xB83
	CSRMhpmcounter31h uint16 = 0xB9F
	CSRCycle          uint16 = 0xC00
	CSRTime           uint16 = 0xC01
	CSRInstret        uint16 = 0xC02
	CSRHpmcounter3    uint16 = 0xC03
	CSRHpmcounter31   uint16 = 0xC1F
	CSRCycleh         uint16 = 0xC80
	CSRTimeh          uint16 = 0xC81
	CSRInstreth       uint16 = 0xC82
	CSRHpmcounter3h   uint16 = 0xC83
	CSRHpmcounter31h  uint16 = 0xC9F
	CSRMvendorid      uint16 = 0xF11
	CSRMarchid        uint16 = 0xF12
	CSRMimpid         uint16 = 0xF13
	CSRMhartid        uint16 = 0xF14
	CSRMconfigptr     uint16 = 0xF15
)

// Counter enable / inhibit bits
const (
	CounterCY uint32 = 1 << 0
	CounterTM uint32 = 1 << 1
	CounterIR uint32 = 1 << 2
)

// MenvcfghADUE enables hardware updating of PTE A/D bits (Svadu).
const MenvcfghADUE uint32 = 1 << 29

// SatpModeSv32 is the satp MODE bit selecting Sv32 translation.
const SatpModeSv32 uint32 = 1 << 31

const (
	satpPPNMask  uint32 = 0x003f_ffff
	medelegMask  uint32 = 0xb3ff
	midelegMask         = MipSSIP | MipSTIP | MipSEIP
	mieMask             = MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP
	mipWriteMask        = MipSSIP | MipSTIP | MipSEIP

	mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusSUM | MstatusMXR
)

// CSRFile holds the machine and supervisor control and status registers.
// sstatus, sie and sip are views of their machine counterparts.
type CSRFile struct {
	Mstatus       uint32
	Misa          uint32
	Medeleg       uint32
	Mideleg       uint32
	Mie           uint32
	Mtvec         uint32
	Mcounteren    uint32
	Mcountinhibit uint32
	Menvcfg       uint32
	Menvcfgh      uint32
	Mscratch      uint32
	Mepc          uint32
	Mcause        uint32
	Mtval         uint32
	Mhartid       uint32

	// Software-writable mip bits; device lines are ORed in on read.
	Mip uint32

	Stvec      uint32
	Scounteren uint32
	Senvcfg    uint32
	Sscratch   uint32
	Sepc       uint32
	Scause     uint32
	Stval      uint32
	Satp       uint32

	Cycle   uint64
	Instret uint64

	// set when an instruction wrote mcycle/minstret, which suppresses
	// the automatic increment for that step
	cycleWritten   bool
	instretWritten bool
}

// ReadMip returns mip with live device interrupt lines folded in.
func (cpu *CPU) ReadMip() uint32 {
	mip := cpu.Mip
	for _, src := range cpu.irqSources {
		mip |= src.PendingInterrupts()
	}
	return mip
}

// liveMip samples the platform clock before reading mip, so a timer that
// expired since the last clock update shows up as MTIP.
func (cpu *CPU) liveMip() uint32 {
	if cpu.Clock != nil {
		cpu.Clock.Mtime()
	}
	return cpu.ReadMip()
}

func (cpu *CPU) mtime() uint64 {
	if cpu.Clock == nil {
		return cpu.Cycle
	}
	return cpu.Clock.Mtime()
}

// csrCheck validates an access to csr from priv. Implemented-ness is
// checked separately by csrRead.
func (cpu *CPU) csrCheck(csr uint16, priv uint8, write bool) error {
	if uint16(priv) < (csr>>8)&3 {
		return Exception(CauseIllegalInsn, 0)
	}
	if write && csr>>10 == 3 {
		return Exception(CauseIllegalInsn, 0)
	}

	// Zicntr: user counters are gated by m/scounteren
	if (csr >= CSRCycle && csr <= CSRHpmcounter31) || (csr >= CSRCycleh && csr <= CSRHpmcounter31h) {
		bit := uint32(1) << (csr & 0x1f)
		if priv < PrivMachine && cpu.Mcounteren&bit == 0 {
			return Exception(CauseIllegalInsn, 0)
		}
		if priv < PrivSupervisor && cpu.Scounteren&bit == 0 {
			return Exception(CauseIllegalInsn, 0)
		}
	}

	if csr == CSRSatp && priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0 {
		return Exception(CauseIllegalInsn, 0)
	}
	return nil
}

// ReadCSR reads csr on behalf of code running at priv.
func (cpu *CPU) ReadCSR(csr uint16, priv uint8) (uint32, error) {
	if err := cpu.csrCheck(csr, priv, false); err != nil {
		return 0, err
	}
	return cpu.csrRead(csr)
}

// WriteCSR writes csr on behalf of code running at priv. Nothing is
// modified when the access faults.
func (cpu *CPU) WriteCSR(csr uint16, priv uint8, val uint32) error {
	if err := cpu.csrCheck(csr, priv, true); err != nil {
		return err
	}
	if _, err := cpu.csrRead(csr); err != nil {
		return err
	}
	cpu.csrWrite(csr, val)
	return nil
}

// csrRead reads a CSR value. Unimplemented CSRs raise illegal instruction.
func (cpu *CPU) csrRead(csr uint16) (uint32, error) {
	switch {
	case csr >= CSRHpmcounter3 && csr <= CSRHpmcounter31,
		csr >= CSRHpmcounter3h && csr <= CSRHpmcounter31h,
		csr >= CSRMhpmcounter3 && csr <= CSRMhpmcounter31,
		csr >= CSRMhpmcounter3h && csr <= CSRMhpmcounter31h,
		csr >= CSRMhpmevent3 && csr <= CSRMhpmevent31,
		csr >= CSRPmpcfg0 && csr <= CSRPmpcfg3,
		csr >= CSRPmpaddr0 && csr <= CSRPmpaddr15:
		return 0, nil
	}

	switch csr {
	// User counters
	case CSRCycle, CSRMcycle:
		return uint32(cpu.Cycle), nil
	case CSRCycleh, CSRMcycleh:
		return uint32(cpu.Cycle >> 32), nil
	case CSRInstret, CSRMinstret:
		return uint32(cpu.Instret), nil
	case CSRInstreth, CSRMinstreth:
		return uint32(cpu.Instret >> 32), nil
	case CSRTime:
		return uint32(cpu.mtime()), nil
	case CSRTimeh:
		return uint32(cpu.mtime() >> 32), nil

	// Supervisor CSRs
	case CSRSstatus:
		return cpu.Mstatus & sstatusMask, nil
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRScounteren:
		return cpu.Scounteren, nil
	case CSRSenvcfg:
		return cpu.Senvcfg, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc, nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return cpu.liveMip() & cpu.Mideleg, nil
	case CSRSatp:
		return cpu.Satp, nil

	// Machine CSRs
	case CSRMstatus:
		return cpu.Mstatus, nil
	case CSRMstatush:
		return 0, nil
	case CSRMisa:
		return cpu.Misa, nil
	case CSRMedeleg:
		return cpu.Medeleg, nil
	case CSRMideleg:
		return cpu.Mideleg, nil
	case CSRMie:
		return cpu.Mie, nil
	case CSRMtvec:
		return cpu.Mtvec, nil
	case CSRMcounteren:
		return cpu.Mcounteren, nil
	case CSRMcountinhibit:
		return cpu.Mcountinhibit, nil
	case CSRMenvcfg:
		return cpu.Menvcfg, nil
	case CSRMenvcfgh:
		return cpu.Menvcfgh, nil
	case CSRMscratch:
		return cpu.Mscratch, nil
	case CSRMepc:
		return cpu.Mepc, nil
	case CSRMcause:
		return cpu.Mcause, nil
	case CSRMtval:
		return cpu.Mtval, nil
	case CSRMip:
		return cpu.liveMip(), nil
	case CSRMhartid:
		return cpu.Mhartid, nil
	case CSRMvendorid, CSRMarchid, CSRMimpid, CSRMconfigptr:
		return 0, nil
	}

	return 0, Exception(CauseIllegalInsn, 0)
}

// csrWrite writes a CSR value. Callers have already validated the access
// with csrCheck and csrRead.
func (cpu *CPU) csrWrite(csr uint16, val uint32) {
	switch csr {
	case CSRSstatus:
		cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
	case CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = val &^ 2
	case CSRScounteren:
		cpu.Scounteren = val & (CounterCY | CounterTM | CounterIR)
	case CSRSenvcfg:
		cpu.Senvcfg = val & 1
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val &^ 3
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
		// Only SSIP is writable, and only when delegated
		mask := MipSSIP & cpu.Mideleg
		cpu.Mip = (cpu.Mip &^ mask) | (val & mask)
	case CSRSatp:
		cpu.Satp = val & (SatpModeSv32 | satpPPNMask)
		cpu.MMU.FlushTLB()

	case CSRMstatus:
		cpu.writeMstatus(val)
	case CSRMedeleg:
		cpu.Medeleg = val & medelegMask
	case CSRMideleg:
		cpu.Mideleg = val & midelegMask
	case CSRMie:
		cpu.Mie = val & mieMask
	case CSRMtvec:
		cpu.Mtvec = val &^ 2
	case CSRMcounteren:
		cpu.Mcounteren = val & (CounterCY | CounterTM | CounterIR)
	case CSRMcountinhibit:
		cpu.Mcountinhibit = val & (CounterCY | CounterIR)
	case CSRMenvcfg:
		cpu.Menvcfg = val & 1
	case CSRMenvcfgh:
		cpu.Menvcfgh = val & MenvcfghADUE
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val &^ 3
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		cpu.Mip = (cpu.Mip &^ mipWriteMask) | (val & mipWriteMask)

	case CSRMcycle:
		cpu.Cycle = (cpu.Cycle &^ 0xffff_ffff) | uint64(val)
		cpu.cycleWritten = true
	case CSRMcycleh:
		cpu.Cycle = (cpu.Cycle & 0xffff_ffff) | uint64(val)<<32
		cpu.cycleWritten = true
	case CSRMinstret:
		cpu.Instret = (cpu.Instret &^ 0xffff_ffff) | uint64(val)
		cpu.instretWritten = true
	case CSRMinstreth:
		cpu.Instret = (cpu.Instret & 0xffff_ffff) | uint64(val)<<32
		cpu.instretWritten = true
	}
	// misa, mstatush, pmp*, mhpm* are WARL with no writable bits
}

// writeMstatus writes mstatus with proper masking
func (cpu *CPU) writeMstatus(val uint32) {
	// MPP=2 is reserved, keep the previous mode
	if (val&MstatusMPP)>>MstatusMPPShift == 2 {
		val = (val &^ MstatusMPP) | (cpu.Mstatus & MstatusMPP)
	}
	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)
}

// advanceCounters bumps cycle and, when an instruction retired, instret.
func (cpu *CPU) advanceCounters(retired bool) {
	if !cpu.cycleWritten && cpu.Mcountinhibit&CounterCY == 0 {
		cpu.Cycle++
	}
	if retired && !cpu.instretWritten && cpu.Mcountinhibit&CounterIR == 0 {
		cpu.Instret++
	}
	cpu.cycleWritten = false
	cpu.instretWritten = false
}
