package rv32

import "math/bits"

// Execute executes a decoded instruction. On success PC points at the next
// instruction; on error no architectural state has been modified and the
// caller delivers the returned exception.
func (cpu *CPU) Execute(in Inst) error {
	pc := cpu.PC
	next := pc + 4

	switch in.Op {
	case OpLui:
		cpu.WriteReg(in.Rd, uint32(in.Imm))
	case OpAuipc:
		cpu.WriteReg(in.Rd, pc+uint32(in.Imm))

	case OpJal:
		target := pc + uint32(in.Imm)
		if target&3 != 0 {
			return Exception(CauseInsnAddrMisaligned, target)
		}
		cpu.WriteReg(in.Rd, next)
		next = target
	case OpJalr:
		target := (cpu.ReadReg(in.Rs1) + uint32(in.Imm)) &^ 1
		if target&3 != 0 {
			return Exception(CauseInsnAddrMisaligned, target)
		}
		cpu.WriteReg(in.Rd, next)
		next = target

	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		if cpu.branchTaken(in) {
			target := pc + uint32(in.Imm)
			if target&3 != 0 {
				return Exception(CauseInsnAddrMisaligned, target)
			}
			next = target
		}

	case OpLb, OpLh, OpLw, OpLbu, OpLhu:
		if err := cpu.execLoad(in); err != nil {
			return err
		}
	case OpSb, OpSh, OpSw:
		if err := cpu.execStore(in); err != nil {
			return err
		}

	case OpAddi, OpSlti, OpSltiu, OpXori, OpOri, OpAndi, OpSlli, OpSrli, OpSrai:
		cpu.WriteReg(in.Rd, alu(in.Op, cpu.ReadReg(in.Rs1), uint32(in.Imm)))
	case OpAdd, OpSub, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpSra, OpOr, OpAnd:
		cpu.WriteReg(in.Rd, alu(in.Op, cpu.ReadReg(in.Rs1), cpu.ReadReg(in.Rs2)))
	case OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu:
		cpu.WriteReg(in.Rd, mulDiv(in.Op, cpu.ReadReg(in.Rs1), cpu.ReadReg(in.Rs2)))

	case OpLrW, OpScW, OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW,
		OpAmoorW, OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW:
		if err := cpu.execAtomic(in); err != nil {
			return err
		}

	case OpFence, OpFenceI:
		// In-order single hart: memory and instruction fetch are coherent

	case OpEcall:
		switch cpu.Priv {
		case PrivUser:
			return Exception(CauseEcallFromU, 0)
		case PrivSupervisor:
			return Exception(CauseEcallFromS, 0)
		default:
			return Exception(CauseEcallFromM, 0)
		}
	case OpEbreak:
		return Exception(CauseBreakpoint, pc)

	case OpMret:
		target, err := cpu.mret()
		if err != nil {
			return err
		}
		next = target
	case OpSret:
		target, err := cpu.sret()
		if err != nil {
			return err
		}
		next = target

	case OpWfi:
		if cpu.Priv == PrivUser || (cpu.Priv < PrivMachine && cpu.Mstatus&MstatusTW != 0) {
			return Exception(CauseIllegalInsn, 0)
		}
		cpu.WFI = true

	case OpSfenceVma:
		if cpu.Priv == PrivUser || (cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTVM != 0) {
			return Exception(CauseIllegalInsn, 0)
		}
		cpu.MMU.FlushTLB()

	case OpCsrrw, OpCsrrs, OpCsrrc, OpCsrrwi, OpCsrrsi, OpCsrrci:
		if err := cpu.execCSR(in); err != nil {
			return err
		}

	default:
		return Exception(CauseIllegalInsn, in.Raw)
	}

	cpu.PC = next
	return nil
}

func (cpu *CPU) branchTaken(in Inst) bool {
	r1 := cpu.ReadReg(in.Rs1)
	r2 := cpu.ReadReg(in.Rs2)

	switch in.Op {
	case OpBeq:
		return r1 == r2
	case OpBne:
		return r1 != r2
	case OpBlt:
		return int32(r1) < int32(r2)
	case OpBge:
		return int32(r1) >= int32(r2)
	case OpBltu:
		return r1 < r2
	case OpBgeu:
		return r1 >= r2
	}
	return false
}

// alu implements the register-register and register-immediate integer ops.
// Shifts use the low 5 bits of b.
func alu(op Op, a, b uint32) uint32 {
	switch op {
	case OpAdd, OpAddi:
		return a + b
	case OpSub:
		return a - b
	case OpSll, OpSlli:
		return a << (b & 0x1f)
	case OpSlt, OpSlti:
		if int32(a) < int32(b) {
			return 1
		}
		return 0
	case OpSltu, OpSltiu:
		if a < b {
			return 1
		}
		return 0
	case OpXor, OpXori:
		return a ^ b
	case OpSrl, OpSrli:
		return a >> (b & 0x1f)
	case OpSra, OpSrai:
		return uint32(int32(a) >> (b & 0x1f))
	case OpOr, OpOri:
		return a | b
	case OpAnd, OpAndi:
		return a & b
	}
	return 0
}

// mulDiv implements the M extension. Division by zero and signed overflow
// produce the architecturally defined results rather than trapping.
func mulDiv(op Op, a, b uint32) uint32 {
	switch op {
	case OpMul:
		return a * b
	case OpMulh:
		return uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32)
	case OpMulhsu:
		return uint32(uint64(int64(int32(a))*int64(b)) >> 32)
	case OpMulhu:
		hi, _ := bits.Mul32(a, b)
		return hi
	case OpDiv:
		switch {
		case b == 0:
			return 0xffff_ffff
		case int32(a) == -1<<31 && int32(b) == -1:
			return a
		}
		return uint32(int32(a) / int32(b))
	case OpDivu:
		if b == 0 {
			return 0xffff_ffff
		}
		return a / b
	case OpRem:
		switch {
		case b == 0:
			return a
		case int32(a) == -1<<31 && int32(b) == -1:
			return 0
		}
		return uint32(int32(a) % int32(b))
	case OpRemu:
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}

func (cpu *CPU) execLoad(in Inst) error {
	addr := cpu.ReadReg(in.Rs1) + uint32(in.Imm)

	var val uint32
	switch in.Op {
	case OpLb:
		v, err := cpu.load(addr, 1)
		if err != nil {
			return err
		}
		val = uint32(int8(v))
	case OpLh:
		v, err := cpu.load(addr, 2)
		if err != nil {
			return err
		}
		val = uint32(int16(v))
	case OpLw:
		v, err := cpu.load(addr, 4)
		if err != nil {
			return err
		}
		val = v
	case OpLbu:
		v, err := cpu.load(addr, 1)
		if err != nil {
			return err
		}
		val = v
	case OpLhu:
		v, err := cpu.load(addr, 2)
		if err != nil {
			return err
		}
		val = v
	}

	cpu.WriteReg(in.Rd, val)
	return nil
}

func (cpu *CPU) execStore(in Inst) error {
	addr := cpu.ReadReg(in.Rs1) + uint32(in.Imm)
	val := cpu.ReadReg(in.Rs2)

	switch in.Op {
	case OpSb:
		return cpu.store(addr, 1, val)
	case OpSh:
		return cpu.store(addr, 2, val)
	default:
		return cpu.store(addr, 4, val)
	}
}

func crossesPage(vaddr uint32, size int) bool {
	return int(vaddr&(PageSize-1))+size > PageSize
}

// load reads size bytes at a virtual address. Misaligned accesses are
// allowed; ones that straddle a page are split into bytes after both
// pages have been translated.
func (cpu *CPU) load(vaddr uint32, size int) (uint32, error) {
	if !crossesPage(vaddr, size) {
		paddr, err := cpu.MMU.Translate(vaddr, AccessRead)
		if err != nil {
			return 0, err
		}
		v, err := cpu.Bus.Read(paddr, size)
		if err != nil {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		return uint32(v), nil
	}

	pages, err := cpu.translateSplit(vaddr, size, AccessRead)
	if err != nil {
		return 0, err
	}
	var val uint32
	for i := 0; i < size; i++ {
		b, err := cpu.Bus.Read(pages.addr(i), 1)
		if err != nil {
			return 0, Exception(CauseLoadAccessFault, vaddr+uint32(i))
		}
		val |= uint32(b) << (8 * i)
	}
	return val, nil
}

// store writes size bytes at a virtual address and drops an overlapping
// LR reservation.
func (cpu *CPU) store(vaddr uint32, size int, val uint32) error {
	if !crossesPage(vaddr, size) {
		paddr, err := cpu.MMU.Translate(vaddr, AccessWrite)
		if err != nil {
			return err
		}
		if err := cpu.Bus.Write(paddr, size, uint64(val)); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}
		cpu.breakReservation(paddr, size)
		return nil
	}

	pages, err := cpu.translateSplit(vaddr, size, AccessWrite)
	if err != nil {
		return err
	}
	// Both halves must be backed before the first byte is written.
	if i, err := pages.mapped(cpu.Bus, size); err != nil {
		return Exception(CauseStoreAccessFault, vaddr+uint32(i))
	}
	for i := 0; i < size; i++ {
		paddr := pages.addr(i)
		if err := cpu.Bus.Write(paddr, 1, uint64(val>>(8*i))); err != nil {
			return Exception(CauseStoreAccessFault, vaddr+uint32(i))
		}
		cpu.breakReservation(paddr, 1)
	}
	return nil
}

// splitAccess describes an access straddling two pages.
type splitAccess struct {
	first  uint64 // physical address of the first byte
	second uint64 // physical address of the first byte on the next page
	split  int    // bytes on the first page
}

func (s splitAccess) addr(i int) uint64 {
	if i < s.split {
		return s.first + uint64(i)
	}
	return s.second + uint64(i-s.split)
}

// mapped checks that both halves of the access hit a region, returning
// the index of the first byte of the half that does not.
func (s splitAccess) mapped(bus *Bus, size int) (int, error) {
	if _, _, err := bus.findDevice(s.first, s.split); err != nil {
		return 0, err
	}
	if _, _, err := bus.findDevice(s.second, size-s.split); err != nil {
		return s.split, err
	}
	return 0, nil
}

func (cpu *CPU) translateSplit(vaddr uint32, size int, access Access) (splitAccess, error) {
	split := PageSize - int(vaddr&(PageSize-1))
	first, err := cpu.MMU.Translate(vaddr, access)
	if err != nil {
		return splitAccess{}, err
	}
	second, err := cpu.MMU.Translate(vaddr+uint32(split), access)
	if err != nil {
		return splitAccess{}, err
	}
	return splitAccess{first: first, second: second, split: split}, nil
}

func (cpu *CPU) breakReservation(paddr uint64, size int) {
	if cpu.ReservationValid && paddr < cpu.Reservation+4 && cpu.Reservation < paddr+uint64(size) {
		cpu.ReservationValid = false
	}
}

// execCSR implements the Zicsr instructions. The access is validated before
// any CSR or register is modified.
func (cpu *CPU) execCSR(in Inst) error {
	var operand uint32
	switch in.Op {
	case OpCsrrw, OpCsrrs, OpCsrrc:
		operand = cpu.ReadReg(in.Rs1)
	default:
		operand = uint32(in.Imm)
	}

	// csrrs/csrrc with x0 (or uimm 0) only read
	write := true
	if in.Op != OpCsrrw && in.Op != OpCsrrwi && in.Rs1 == 0 {
		write = false
	}

	if err := cpu.csrCheck(in.CSR, cpu.Priv, write); err != nil {
		return err
	}
	old, err := cpu.csrRead(in.CSR)
	if err != nil {
		return err
	}

	if write {
		val := operand
		switch in.Op {
		case OpCsrrs, OpCsrrsi:
			val = old | operand
		case OpCsrrc, OpCsrrci:
			val = old &^ operand
		}
		cpu.csrWrite(in.CSR, val)
	}

	cpu.WriteReg(in.Rd, old)
	return nil
}
