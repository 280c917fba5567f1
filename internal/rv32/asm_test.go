package rv32

import (
	"io"
	"log/slog"
	"testing"
)

// Minimal RV32 encoder for building test programs.

const (
	zero = 0
	ra   = 1
	sp   = 2
	t0   = 5
	t1   = 6
	t2   = 7
	a0   = 10
	a1   = 11
	a2   = 12
	a3   = 13
	a4   = 14
	a5   = 15
	a6   = 16
)

func encR(op, f3, f7 uint32, rd, rs1, rs2 uint8) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func encI(op, f3 uint32, rd, rs1 uint8, imm int32) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func encS(op, f3 uint32, rs1, rs2 uint8, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func encB(f3 uint32, rs1, rs2 uint8, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		f3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opcodeBranch
}

func encJ(rd uint8, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 |
		uint32(rd)<<7 | opcodeJal
}

func lui(rd uint8, imm uint32) uint32 { return imm&0xfffff000 | uint32(rd)<<7 | opcodeLui }

func addi(rd, rs1 uint8, imm int32) uint32 { return encI(opcodeOpImm, 0, rd, rs1, imm) }
func slli(rd, rs1 uint8, sh int32) uint32  { return encI(opcodeOpImm, 1, rd, rs1, sh) }
func srai(rd, rs1 uint8, sh int32) uint32  { return encI(opcodeOpImm, 5, rd, rs1, sh|0x400) }

func add(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 0, 0, rd, rs1, rs2) }
func sub(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 0, 0x20, rd, rs1, rs2) }
func and(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 7, 0, rd, rs1, rs2) }
func or(rd, rs1, rs2 uint8) uint32   { return encR(opcodeOp, 6, 0, rd, rs1, rs2) }
func xor(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 4, 0, rd, rs1, rs2) }
func slt(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 2, 0, rd, rs1, rs2) }
func sltu(rd, rs1, rs2 uint8) uint32 { return encR(opcodeOp, 3, 0, rd, rs1, rs2) }
func mul(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 0, 1, rd, rs1, rs2) }
func mulh(rd, rs1, rs2 uint8) uint32 { return encR(opcodeOp, 1, 1, rd, rs1, rs2) }
func div(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 4, 1, rd, rs1, rs2) }
func divu(rd, rs1, rs2 uint8) uint32 { return encR(opcodeOp, 5, 1, rd, rs1, rs2) }
func rem(rd, rs1, rs2 uint8) uint32  { return encR(opcodeOp, 6, 1, rd, rs1, rs2) }

func lb(rd, rs1 uint8, imm int32) uint32  { return encI(opcodeLoad, 0, rd, rs1, imm) }
func lw(rd, rs1 uint8, imm int32) uint32  { return encI(opcodeLoad, 2, rd, rs1, imm) }
func lbu(rd, rs1 uint8, imm int32) uint32 { return encI(opcodeLoad, 4, rd, rs1, imm) }
func sb(rs2, rs1 uint8, imm int32) uint32 { return encS(opcodeStore, 0, rs1, rs2, imm) }
func sw(rs2, rs1 uint8, imm int32) uint32 { return encS(opcodeStore, 2, rs1, rs2, imm) }

func beq(rs1, rs2 uint8, off int32) uint32 { return encB(0, rs1, rs2, off) }
func bne(rs1, rs2 uint8, off int32) uint32 { return encB(1, rs1, rs2, off) }
func blt(rs1, rs2 uint8, off int32) uint32 { return encB(4, rs1, rs2, off) }

func jal(rd uint8, off int32) uint32       { return encJ(rd, off) }
func jalr(rd, rs1 uint8, imm int32) uint32 { return encI(opcodeJalr, 0, rd, rs1, imm) }

func csrrw(rd uint8, csr uint16, rs1 uint8) uint32 { return encI(opcodeSystem, 1, rd, rs1, int32(csr)) }
func csrrs(rd uint8, csr uint16, rs1 uint8) uint32 { return encI(opcodeSystem, 2, rd, rs1, int32(csr)) }

func amo(f5 uint32, rd, rs1, rs2 uint8) uint32 {
	return encR(opcodeAMO, 2, f5<<2, rd, rs1, rs2)
}

func lrw(rd, rs1 uint8) uint32           { return amo(0b00010, rd, rs1, 0) }
func scw(rd, rs1, rs2 uint8) uint32      { return amo(0b00011, rd, rs1, rs2) }
func amoaddw(rd, rs1, rs2 uint8) uint32  { return amo(0b00000, rd, rs1, rs2) }
func amoswapw(rd, rs1, rs2 uint8) uint32 { return amo(0b00001, rd, rs1, rs2) }
func amominw(rd, rs1, rs2 uint8) uint32  { return amo(0b10000, rd, rs1, rs2) }
func amomaxuw(rd, rs1, rs2 uint8) uint32 { return amo(0b11100, rd, rs1, rs2) }

const (
	insnEcall uint32 = 0x00000073
	insnMret  uint32 = 0x30200073
	insnSret  uint32 = 0x10200073
	insnWfi   uint32 = 0x10500073
)

// li loads a 32-bit constant using lui+addi.
func li(rd uint8, v uint32) []uint32 {
	hi := (v + 0x800) & 0xfffff000
	lo := int32(v - hi)
	return []uint32{lui(rd, hi), addi(rd, rd, lo)}
}

// halt writes the finisher pass command. It clobbers t0 and t1.
func halt() []uint32 {
	return program(li(t0, uint32(FinisherBase)), li(t1, FinisherPass), sw(t1, t0, 0))
}

// program flattens instruction words and instruction slices.
func program(parts ...any) []uint32 {
	var out []uint32
	for _, p := range parts {
		switch v := p.(type) {
		case uint32:
			out = append(out, v)
		case []uint32:
			out = append(out, v...)
		default:
			panic("program: unsupported part")
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, opts Options) *Machine {
	t.Helper()
	if opts.RAMSize == 0 {
		opts.RAMSize = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	m, err := NewMachine(opts)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// loadProgram writes code at addr and points the hart at it.
func loadProgram(t *testing.T, m *Machine, addr uint64, code []uint32) {
	t.Helper()
	for i, insn := range code {
		if err := m.Bus.Write(addr+uint64(i*4), 4, uint64(insn)); err != nil {
			t.Fatalf("load instruction %d: %v", i, err)
		}
	}
	m.CPU.PC = uint32(addr)
}

func readWord(t *testing.T, bus *Bus, addr uint64) uint32 {
	t.Helper()
	v, err := bus.Read(addr, 4)
	if err != nil {
		t.Fatalf("read 0x%x: %v", addr, err)
	}
	return uint32(v)
}

func writeWord(t *testing.T, bus *Bus, addr uint64, v uint32) {
	t.Helper()
	if err := bus.Write(addr, 4, uint64(v)); err != nil {
		t.Fatalf("write 0x%x: %v", addr, err)
	}
}
