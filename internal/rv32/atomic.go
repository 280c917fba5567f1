package rv32

// execAtomic executes the A extension. A single hart never yields between
// the read and write halves, so each AMO is atomic by construction.
//
// LR/SC: lr.w reserves the physical word it read. sc.w succeeds only if
// that reservation is still held for the same physical address; stores and
// AMOs to the word, traps, and xRET all drop it, and every sc.w clears it.
func (cpu *CPU) execAtomic(in Inst) error {
	addr := cpu.ReadReg(in.Rs1)
	src := cpu.ReadReg(in.Rs2)

	switch in.Op {
	case OpLrW:
		if addr&3 != 0 {
			return Exception(CauseLoadAddrMisaligned, addr)
		}
		paddr, err := cpu.MMU.Translate(addr, AccessRead)
		if err != nil {
			return err
		}
		val, err := cpu.Bus.Read(paddr, 4)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.Reservation = paddr
		cpu.ReservationValid = true
		cpu.WriteReg(in.Rd, uint32(val))
		return nil

	case OpScW:
		if addr&3 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		paddr, err := cpu.MMU.Translate(addr, AccessWrite)
		if err != nil {
			return err
		}
		if !cpu.ReservationValid || cpu.Reservation != paddr {
			cpu.ReservationValid = false
			cpu.WriteReg(in.Rd, 1)
			return nil
		}
		if err := cpu.Bus.Write(paddr, 4, uint64(src)); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.ReservationValid = false
		cpu.WriteReg(in.Rd, 0)
		return nil
	}

	// AMOs fault as stores
	if addr&3 != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}
	paddr, err := cpu.MMU.Translate(addr, AccessWrite)
	if err != nil {
		return err
	}
	v, err := cpu.Bus.Read(paddr, 4)
	if err != nil {
		return Exception(CauseStoreAccessFault, addr)
	}
	old := uint32(v)

	var val uint32
	switch in.Op {
	case OpAmoswapW:
		val = src
	case OpAmoaddW:
		val = old + src
	case OpAmoxorW:
		val = old ^ src
	case OpAmoandW:
		val = old & src
	case OpAmoorW:
		val = old | src
	case OpAmominW:
		val = old
		if int32(src) < int32(old) {
			val = src
		}
	case OpAmomaxW:
		val = old
		if int32(src) > int32(old) {
			val = src
		}
	case OpAmominuW:
		val = min(old, src)
	case OpAmomaxuW:
		val = max(old, src)
	default:
		return Exception(CauseIllegalInsn, in.Raw)
	}

	if err := cpu.Bus.Write(paddr, 4, uint64(val)); err != nil {
		return Exception(CauseStoreAccessFault, addr)
	}
	cpu.breakReservation(paddr, 4)
	cpu.WriteReg(in.Rd, old)
	return nil
}
