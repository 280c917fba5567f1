package rv32

// interruptOrder is the architectural priority of interrupts, highest first.
var interruptOrder = [...]struct {
	bit   uint32
	cause uint32
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
}

// CheckInterrupt returns the highest priority interrupt that is pending,
// enabled in mie, and globally enabled for the privilege it would be taken at.
func (cpu *CPU) CheckInterrupt() (uint32, bool) {
	pending := cpu.ReadMip() & cpu.Mie
	if pending == 0 {
		return 0, false
	}

	// Non-delegated interrupts go to M; M-mode only takes them with MIE set.
	mEnabled := cpu.Priv < PrivMachine || cpu.Mstatus&MstatusMIE != 0
	// Delegated ones go to S and are never taken while in M.
	sEnabled := cpu.Priv < PrivSupervisor ||
		(cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0)

	var enabled uint32
	if mEnabled {
		enabled |= pending &^ cpu.Mideleg
	}
	if sEnabled {
		enabled |= pending & cpu.Mideleg
	}
	if enabled == 0 {
		return 0, false
	}

	for _, irq := range interruptOrder {
		if enabled&irq.bit != 0 {
			return irq.cause, true
		}
	}
	return 0, false
}

// HandleTrap takes a trap at the current PC: it selects M or S according to
// the delegation registers, stacks the privilege and interrupt-enable state,
// and redirects PC to the trap vector.
func (cpu *CPU) HandleTrap(cause uint32, tval uint32) {
	isInterrupt := cause&CauseInterrupt != 0
	code := cause &^ CauseInterrupt

	delegateToS := false
	if cpu.Priv <= PrivSupervisor && code < 32 {
		if isInterrupt {
			delegateToS = cpu.Mideleg&(1<<code) != 0
		} else {
			delegateToS = cpu.Medeleg&(1<<code) != 0
		}
	}

	cpu.ReservationValid = false
	cpu.WFI = false

	if delegateToS {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		// SPIE <- SIE, SIE <- 0
		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}

		cpu.Priv = PrivSupervisor
		cpu.PC = trapVector(cpu.Stvec, isInterrupt, code)
		return
	}

	cpu.Mepc = cpu.PC
	cpu.Mcause = cause
	cpu.Mtval = tval

	// MPIE <- MIE, MIE <- 0
	if cpu.Mstatus&MstatusMIE != 0 {
		cpu.Mstatus |= MstatusMPIE
	} else {
		cpu.Mstatus &^= MstatusMPIE
	}
	cpu.Mstatus &^= MstatusMIE

	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint32(cpu.Priv) << MstatusMPPShift

	cpu.Priv = PrivMachine
	cpu.PC = trapVector(cpu.Mtvec, isInterrupt, code)
}

func trapVector(tvec uint32, isInterrupt bool, code uint32) uint32 {
	base := tvec &^ 3
	if tvec&1 == 1 && isInterrupt {
		return base + 4*code
	}
	return base
}

// mret returns from a machine-mode trap and yields the new PC.
func (cpu *CPU) mret() (uint32, error) {
	if cpu.Priv < PrivMachine {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	mpp := uint8((cpu.Mstatus & MstatusMPP) >> MstatusMPPShift)

	if cpu.Mstatus&MstatusMPIE != 0 {
		cpu.Mstatus |= MstatusMIE
	} else {
		cpu.Mstatus &^= MstatusMIE
	}
	cpu.Mstatus |= MstatusMPIE
	cpu.Mstatus &^= MstatusMPP
	if mpp != PrivMachine {
		cpu.Mstatus &^= MstatusMPRV
	}

	cpu.Priv = mpp
	cpu.ReservationValid = false
	return cpu.Mepc, nil
}

// sret returns from a supervisor-mode trap and yields the new PC.
func (cpu *CPU) sret() (uint32, error) {
	if cpu.Priv < PrivSupervisor {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTSR != 0 {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	spp := PrivUser
	if cpu.Mstatus&MstatusSPP != 0 {
		spp = PrivSupervisor
	}

	if cpu.Mstatus&MstatusSPIE != 0 {
		cpu.Mstatus |= MstatusSIE
	} else {
		cpu.Mstatus &^= MstatusSIE
	}
	cpu.Mstatus |= MstatusSPIE
	cpu.Mstatus &^= MstatusSPP
	cpu.Mstatus &^= MstatusMPRV

	cpu.Priv = spp
	cpu.ReservationValid = false
	return cpu.Sepc, nil
}
