package rv32

import "fmt"

// Major opcodes
const (
	opcodeLoad    = 0b0000011
	opcodeMiscMem = 0b0001111
	opcodeOpImm   = 0b0010011
	opcodeAuipc   = 0b0010111
	opcodeStore   = 0b0100011
	opcodeAMO     = 0b0101111
	opcodeOp      = 0b0110011
	opcodeLui     = 0b0110111
	opcodeBranch  = 0b1100011
	opcodeJalr    = 0b1100111
	opcodeJal     = 0b1101111
	opcodeSystem  = 0b1110011
)

// Op identifies a decoded instruction.
type Op uint8

const (
	OpIllegal Op = iota

	OpLui
	OpAuipc
	OpJal
	OpJalr

	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu

	OpLb
	OpLh
	OpLw
	OpLbu
	OpLhu
	OpSb
	OpSh
	OpSw

	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai

	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd

	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu

	OpLrW
	OpScW
	OpAmoswapW
	OpAmoaddW
	OpAmoxorW
	OpAmoandW
	OpAmoorW
	OpAmominW
	OpAmomaxW
	OpAmominuW
	OpAmomaxuW

	OpFence
	OpFenceI

	OpEcall
	OpEbreak
	OpMret
	OpSret
	OpWfi
	OpSfenceVma

	OpCsrrw
	OpCsrrs
	OpCsrrc
	OpCsrrwi
	OpCsrrsi
	OpCsrrci

	opCount
)

var opNames = [opCount]string{
	OpIllegal: "illegal",
	OpLui:     "lui", OpAuipc: "auipc", OpJal: "jal", OpJalr: "jalr",
	OpBeq: "beq", OpBne: "bne", OpBlt: "blt", OpBge: "bge", OpBltu: "bltu", OpBgeu: "bgeu",
	OpLb: "lb", OpLh: "lh", OpLw: "lw", OpLbu: "lbu", OpLhu: "lhu",
	OpSb: "sb", OpSh: "sh", OpSw: "sw",
	OpAddi: "addi", OpSlti: "slti", OpSltiu: "sltiu", OpXori: "xori", OpOri: "ori",
	OpAndi: "andi", OpSlli: "slli", OpSrli: "srli", OpSrai: "srai",
	OpAdd: "add", OpSub: "sub", OpSll: "sll", OpSlt: "slt", OpSltu: "sltu",
	OpXor: "xor", OpSrl: "srl", OpSra: "sra", OpOr: "or", OpAnd: "and",
	OpMul: "mul", OpMulh: "mulh", OpMulhsu: "mulhsu", OpMulhu: "mulhu",
	OpDiv: "div", OpDivu: "divu", OpRem: "rem", OpRemu: "remu",
	OpLrW: "lr.w", OpScW: "sc.w", OpAmoswapW: "amoswap.w", OpAmoaddW: "amoadd.w",
	OpAmoxorW: "amoxor.w", OpAmoandW: "amoand.w", OpAmoorW: "amoor.w",
	OpAmominW: "amomin.w", OpAmomaxW: "amomax.w", OpAmominuW: "amominu.w", OpAmomaxuW: "amomaxu.w",
	OpFence: "fence", OpFenceI: "fence.i",
	OpEcall: "ecall", OpEbreak: "ebreak", OpMret: "mret", OpSret: "sret",
	OpWfi: "wfi", OpSfenceVma: "sfence.vma",
	OpCsrrw: "csrrw", OpCsrrs: "csrrs", OpCsrrc: "csrrc",
	OpCsrrwi: "csrrwi", OpCsrrsi: "csrrsi", OpCsrrci: "csrrci",
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Inst is a decoded instruction. Imm holds the sign-extended immediate
// (or the zero-extended uimm for csrr*i).
type Inst struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Imm int32
	CSR uint16
	Raw uint32
}

func (in Inst) String() string {
	return fmt.Sprintf("%s rd=x%d rs1=x%d rs2=x%d imm=%d (0x%08x)", in.Op, in.Rd, in.Rs1, in.Rs2, in.Imm, in.Raw)
}

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint8      { return uint8((insn >> 7) & 0x1f) }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint8     { return uint8((insn >> 15) & 0x1f) }
func rs2(insn uint32) uint8     { return uint8((insn >> 20) & 0x1f) }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

// Immediate extraction
func immI(insn uint32) int32 {
	return int32(insn) >> 20
}

func immS(insn uint32) int32 {
	return (int32(insn)>>25)<<5 | int32((insn>>7)&0x1f)
}

func immB(insn uint32) int32 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	return (int32(insn)>>31)<<12 | int32(imm)
}

func immU(insn uint32) int32 {
	return int32(insn & 0xfffff000)
}

func immJ(insn uint32) int32 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	return (int32(insn)>>31)<<20 | int32(imm)
}

// Decode decodes a 32-bit instruction word. Encodings outside RV32IMA,
// Zicsr and Zifencei decode to OpIllegal.
func Decode(insn uint32) Inst {
	in := Inst{
		Rd:  rd(insn),
		Rs1: rs1(insn),
		Rs2: rs2(insn),
		Raw: insn,
	}
	f3 := funct3(insn)
	f7 := funct7(insn)

	switch opcode(insn) {
	case opcodeLui:
		in.Op, in.Imm = OpLui, immU(insn)
	case opcodeAuipc:
		in.Op, in.Imm = OpAuipc, immU(insn)
	case opcodeJal:
		in.Op, in.Imm = OpJal, immJ(insn)
	case opcodeJalr:
		if f3 == 0 {
			in.Op, in.Imm = OpJalr, immI(insn)
		}

	case opcodeBranch:
		in.Imm = immB(insn)
		switch f3 {
		case 0b000:
			in.Op = OpBeq
		case 0b001:
			in.Op = OpBne
		case 0b100:
			in.Op = OpBlt
		case 0b101:
			in.Op = OpBge
		case 0b110:
			in.Op = OpBltu
		case 0b111:
			in.Op = OpBgeu
		}

	case opcodeLoad:
		in.Imm = immI(insn)
		switch f3 {
		case 0b000:
			in.Op = OpLb
		case 0b001:
			in.Op = OpLh
		case 0b010:
			in.Op = OpLw
		case 0b100:
			in.Op = OpLbu
		case 0b101:
			in.Op = OpLhu
		}

	case opcodeStore:
		in.Imm = immS(insn)
		switch f3 {
		case 0b000:
			in.Op = OpSb
		case 0b001:
			in.Op = OpSh
		case 0b010:
			in.Op = OpSw
		}

	case opcodeOpImm:
		in.Imm = immI(insn)
		switch f3 {
		case 0b000:
			in.Op = OpAddi
		case 0b010:
			in.Op = OpSlti
		case 0b011:
			in.Op = OpSltiu
		case 0b100:
			in.Op = OpXori
		case 0b110:
			in.Op = OpOri
		case 0b111:
			in.Op = OpAndi
		case 0b001:
			if f7 == 0 {
				in.Op, in.Imm = OpSlli, int32(in.Rs2)
			}
		case 0b101:
			switch f7 {
			case 0b0000000:
				in.Op, in.Imm = OpSrli, int32(in.Rs2)
			case 0b0100000:
				in.Op, in.Imm = OpSrai, int32(in.Rs2)
			}
		}

	case opcodeOp:
		in.Op = decodeOp(f3, f7)

	case opcodeAMO:
		if f3 == 0b010 {
			in.Op = decodeAMO(f7>>2, in.Rs2)
		}

	case opcodeMiscMem:
		switch f3 {
		case 0b000:
			in.Op = OpFence
		case 0b001:
			in.Op = OpFenceI
		}

	case opcodeSystem:
		in.CSR = uint16(insn >> 20)
		switch f3 {
		case 0b000:
			in.Op = decodePrivileged(insn)
		case 0b001:
			in.Op = OpCsrrw
		case 0b010:
			in.Op = OpCsrrs
		case 0b011:
			in.Op = OpCsrrc
		case 0b101:
			in.Op, in.Imm = OpCsrrwi, int32(in.Rs1)
		case 0b110:
			in.Op, in.Imm = OpCsrrsi, int32(in.Rs1)
		case 0b111:
			in.Op, in.Imm = OpCsrrci, int32(in.Rs1)
		}
	}

	return in
}

func decodeOp(f3, f7 uint32) Op {
	switch f7 {
	case 0b0000000:
		return [8]Op{OpAdd, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpOr, OpAnd}[f3]
	case 0b0100000:
		switch f3 {
		case 0b000:
			return OpSub
		case 0b101:
			return OpSra
		}
	case 0b0000001:
		return [8]Op{OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu}[f3]
	}
	return OpIllegal
}

// decodeAMO decodes funct5 of a .w atomic; aq/rl are ignored on a single hart.
func decodeAMO(f5 uint32, rs2 uint8) Op {
	switch f5 {
	case 0b00010:
		if rs2 == 0 {
			return OpLrW
		}
	case 0b00011:
		return OpScW
	case 0b00001:
		return OpAmoswapW
	case 0b00000:
		return OpAmoaddW
	case 0b00100:
		return OpAmoxorW
	case 0b01100:
		return OpAmoandW
	case 0b01000:
		return OpAmoorW
	case 0b10000:
		return OpAmominW
	case 0b10100:
		return OpAmomaxW
	case 0b11000:
		return OpAmominuW
	case 0b11100:
		return OpAmomaxuW
	}
	return OpIllegal
}

func decodePrivileged(insn uint32) Op {
	switch insn {
	case 0x00000073:
		return OpEcall
	case 0x00100073:
		return OpEbreak
	case 0x30200073:
		return OpMret
	case 0x10200073:
		return OpSret
	case 0x10500073:
		return OpWfi
	}
	if funct7(insn) == 0b0001001 && rd(insn) == 0 {
		return OpSfenceVma
	}
	return OpIllegal
}
