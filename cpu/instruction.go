package cpu

import "fmt"

// Op enumerates every instruction the simulator understands: RV32I base,
// the M extension and the A extension, word-sized only.
type Op int

const (
	OpInvalid Op = iota

	// RV32I upper immediate / jumps
	OpLui
	OpAuipc
	OpJal
	OpJalr

	// RV32I branches
	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu

	// RV32I loads / stores
	OpLb
	OpLh
	OpLw
	OpLbu
	OpLhu
	OpSb
	OpSh
	OpSw

	// RV32I register-immediate
	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai

	// RV32I register-register
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

	// RV32I system
	OpFence
	OpEcall
	OpEbreak
	OpCsrrw
	OpCsrrs
	OpCsrrc
	OpCsrrwi
	OpCsrrsi
	OpCsrrci

	// RV32M
	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu

	// RV32A
	OpLrW
	OpScW
	OpAmoSwapW
	OpAmoAddW
	OpAmoXorW
	OpAmoAndW
	OpAmoOrW
	OpAmoMinW
	OpAmoMaxW
	OpAmoMinuW
	OpAmoMaxuW
)

var opNames = map[Op]string{
	OpLui: "lui", OpAuipc: "auipc", OpJal: "jal", OpJalr: "jalr",
	OpBeq: "beq", OpBne: "bne", OpBlt: "blt", OpBge: "bge",
	OpBltu: "bltu", OpBgeu: "bgeu",
	OpLb: "lb", OpLh: "lh", OpLw: "lw", OpLbu: "lbu", OpLhu: "lhu",
	OpSb: "sb", OpSh: "sh", OpSw: "sw",
	OpAddi: "addi", OpSlti: "slti", OpSltiu: "sltiu", OpXori: "xori",
	OpOri: "ori", OpAndi: "andi", OpSlli: "slli", OpSrli: "srli", OpSrai: "srai",
	OpAdd: "add", OpSub: "sub", OpSll: "sll", OpSlt: "slt", OpSltu: "sltu",
	OpXor: "xor", OpSrl: "srl", OpSra: "sra", OpOr: "or", OpAnd: "and",
	OpFence: "fence", OpEcall: "ecall", OpEbreak: "ebreak",
	OpCsrrw: "csrrw", OpCsrrs: "csrrs", OpCsrrc: "csrrc",
	OpCsrrwi: "csrrwi", OpCsrrsi: "csrrsi", OpCsrrci: "csrrci",
	OpMul: "mul", OpMulh: "mulh", OpMulhsu: "mulhsu", OpMulhu: "mulhu",
	OpDiv: "div", OpDivu: "divu", OpRem: "rem", OpRemu: "remu",
	OpLrW: "lr.w", OpScW: "sc.w", OpAmoSwapW: "amoswap.w",
	OpAmoAddW: "amoadd.w", OpAmoXorW: "amoxor.w", OpAmoAndW: "amoand.w",
	OpAmoOrW: "amoor.w", OpAmoMinW: "amomin.w", OpAmoMaxW: "amomax.w",
	OpAmoMinuW: "amominu.w", OpAmoMaxuW: "amomaxu.w",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Instruction is a decoded instruction: the operation plus its operand
// fields. Fields a given operation does not use stay zero, so decoded
// values compare with ==.
//
// Imm holds the sign-extended immediate. For SLLI/SRLI/SRAI it is the
// 5-bit shift amount, for CSR immediate forms the 5-bit zero-extended
// operand, and for LUI/AUIPC the upper immediate with its low 12 bits zero.
type Instruction struct {
	Op   Op
	Rd   Reg
	Rs1  Reg
	Rs2  Reg
	Imm  int32
	CSR  uint16
	Pred uint8
	Succ uint8
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s rd=%s rs1=%s rs2=%s imm=%d", i.Op, i.Rd, i.Rs1, i.Rs2, i.Imm)
}

// InvalidOpcodeError reports a major opcode outside the supported map.
type InvalidOpcodeError struct {
	Word uint32
}

func (e *InvalidOpcodeError) Error() string {
	return fmt.Sprintf("invalid opcode: %#02x (word %#08x)", e.Word&0x7F, e.Word)
}

// InvalidEncodingError reports a word whose major opcode is known but whose
// remaining fields do not form a legal instruction.
type InvalidEncodingError struct {
	Word uint32
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("invalid instruction encoding: %#08x", e.Word)
}

// Major opcodes of the supported map.
const (
	opcLoad   = 0x03
	opcMisc   = 0x0F
	opcOpImm  = 0x13
	opcAuipc  = 0x17
	opcStore  = 0x23
	opcAmo    = 0x2F
	opcOp     = 0x33
	opcLui    = 0x37
	opcBranch = 0x63
	opcJalr   = 0x67
	opcJal    = 0x6F
	opcSystem = 0x73
)

// immediate extraction per format; sign extension comes from shifting a
// signed 32-bit value that carries bit 31.

func immI(word uint32) int32 {
	return int32(word) >> 20
}

func immS(word uint32) int32 {
	return (int32(word)>>25)<<5 | int32((word>>7)&0x1F)
}

func immB(word uint32) int32 {
	return (int32(word)>>31)<<12 |
		int32((word>>25)&0x3F)<<5 |
		int32((word>>8)&0xF)<<1 |
		int32((word>>7)&0x1)<<11
}

func immU(word uint32) int32 {
	return int32(word & 0xFFFFF000)
}

func immJ(word uint32) int32 {
	return (int32(word)>>31)<<20 |
		int32((word>>12)&0xFF)<<12 |
		int32((word>>20)&0x1)<<11 |
		int32((word>>21)&0x3FF)<<1
}

// Decode maps a 32-bit instruction word to its Instruction value. It is a
// pure function, total over the word space: any pattern outside the
// supported map fails with InvalidOpcodeError or InvalidEncodingError.
func Decode(word uint32) (Instruction, error) {
	opcode := word & 0x7F
	rd := Reg((word >> 7) & 0x1F)
	funct3 := (word >> 12) & 0x7
	rs1 := Reg((word >> 15) & 0x1F)
	rs2 := Reg((word >> 20) & 0x1F)
	funct7 := word >> 25

	switch opcode {
	case opcLui:
		return Instruction{Op: OpLui, Rd: rd, Imm: immU(word)}, nil

	case opcAuipc:
		return Instruction{Op: OpAuipc, Rd: rd, Imm: immU(word)}, nil

	case opcJal:
		return Instruction{Op: OpJal, Rd: rd, Imm: immJ(word)}, nil

	case opcJalr:
		if funct3 != 0 {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: OpJalr, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil

	case opcBranch:
		ops := map[uint32]Op{0: OpBeq, 1: OpBne, 4: OpBlt, 5: OpBge, 6: OpBltu, 7: OpBgeu}
		op, ok := ops[funct3]
		if !ok {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: op, Rs1: rs1, Rs2: rs2, Imm: immB(word)}, nil

	case opcLoad:
		ops := map[uint32]Op{0: OpLb, 1: OpLh, 2: OpLw, 4: OpLbu, 5: OpLhu}
		op, ok := ops[funct3]
		if !ok {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: op, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil

	case opcStore:
		ops := map[uint32]Op{0: OpSb, 1: OpSh, 2: OpSw}
		op, ok := ops[funct3]
		if !ok {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: op, Rs1: rs1, Rs2: rs2, Imm: immS(word)}, nil

	case opcOpImm:
		return decodeOpImm(word, rd, funct3, rs1, funct7)

	case opcOp:
		return decodeOp(word, rd, funct3, rs1, rs2, funct7)

	case opcMisc:
		if funct3 != 0 {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{
			Op:   OpFence,
			Pred: uint8((word >> 24) & 0xF),
			Succ: uint8((word >> 20) & 0xF),
		}, nil

	case opcSystem:
		return decodeSystem(word, rd, funct3, rs1)

	case opcAmo:
		return decodeAmo(word, rd, funct3, rs1, rs2, funct7)
	}

	return Instruction{}, &InvalidOpcodeError{Word: word}
}

func decodeOpImm(word uint32, rd Reg, funct3 uint32, rs1 Reg, funct7 uint32) (Instruction, error) {
	shamt := int32((word >> 20) & 0x1F)

	switch funct3 {
	case 0:
		return Instruction{Op: OpAddi, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	case 1:
		if funct7 != 0 {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: OpSlli, Rd: rd, Rs1: rs1, Imm: shamt}, nil
	case 2:
		return Instruction{Op: OpSlti, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	case 3:
		return Instruction{Op: OpSltiu, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	case 4:
		return Instruction{Op: OpXori, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	case 5:
		switch funct7 {
		case 0x00:
			return Instruction{Op: OpSrli, Rd: rd, Rs1: rs1, Imm: shamt}, nil
		case 0x20:
			return Instruction{Op: OpSrai, Rd: rd, Rs1: rs1, Imm: shamt}, nil
		}
		return Instruction{}, &InvalidEncodingError{Word: word}
	case 6:
		return Instruction{Op: OpOri, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	case 7:
		return Instruction{Op: OpAndi, Rd: rd, Rs1: rs1, Imm: immI(word)}, nil
	}
	return Instruction{}, &InvalidEncodingError{Word: word}
}

func decodeOp(word uint32, rd Reg, funct3 uint32, rs1, rs2 Reg, funct7 uint32) (Instruction, error) {
	var op Op

	switch funct7 {
	case 0x00:
		op = [8]Op{OpAdd, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpOr, OpAnd}[funct3]
	case 0x20:
		switch funct3 {
		case 0:
			op = OpSub
		case 5:
			op = OpSra
		default:
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
	case 0x01:
		op = [8]Op{OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu}[funct3]
	default:
		return Instruction{}, &InvalidEncodingError{Word: word}
	}

	return Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
}

func decodeSystem(word uint32, rd Reg, funct3 uint32, rs1 Reg) (Instruction, error) {
	csr := uint16(word >> 20)

	switch funct3 {
	case 0:
		switch word {
		case 0x00000073:
			return Instruction{Op: OpEcall}, nil
		case 0x00100073:
			return Instruction{Op: OpEbreak}, nil
		}
		return Instruction{}, &InvalidEncodingError{Word: word}
	case 1:
		return Instruction{Op: OpCsrrw, Rd: rd, Rs1: rs1, CSR: csr}, nil
	case 2:
		return Instruction{Op: OpCsrrs, Rd: rd, Rs1: rs1, CSR: csr}, nil
	case 3:
		return Instruction{Op: OpCsrrc, Rd: rd, Rs1: rs1, CSR: csr}, nil
	case 5:
		return Instruction{Op: OpCsrrwi, Rd: rd, CSR: csr, Imm: int32((word >> 15) & 0x1F)}, nil
	case 6:
		return Instruction{Op: OpCsrrsi, Rd: rd, CSR: csr, Imm: int32((word >> 15) & 0x1F)}, nil
	case 7:
		return Instruction{Op: OpCsrrci, Rd: rd, CSR: csr, Imm: int32((word >> 15) & 0x1F)}, nil
	}
	return Instruction{}, &InvalidEncodingError{Word: word}
}

func decodeAmo(word uint32, rd Reg, funct3 uint32, rs1, rs2 Reg, funct7 uint32) (Instruction, error) {
	if funct3 != 2 {
		return Instruction{}, &InvalidEncodingError{Word: word}
	}

	// aq/rl ordering bits are accepted and ignored: the interpreter is
	// sequentially consistent by construction.
	funct5 := funct7 >> 2

	switch funct5 {
	case 0x02:
		if rs2 != 0 {
			return Instruction{}, &InvalidEncodingError{Word: word}
		}
		return Instruction{Op: OpLrW, Rd: rd, Rs1: rs1}, nil
	case 0x03:
		return Instruction{Op: OpScW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x01:
		return Instruction{Op: OpAmoSwapW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x00:
		return Instruction{Op: OpAmoAddW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x04:
		return Instruction{Op: OpAmoXorW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x0C:
		return Instruction{Op: OpAmoAndW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x08:
		return Instruction{Op: OpAmoOrW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x10:
		return Instruction{Op: OpAmoMinW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x14:
		return Instruction{Op: OpAmoMaxW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x18:
		return Instruction{Op: OpAmoMinuW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case 0x1C:
		return Instruction{Op: OpAmoMaxuW, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	}
	return Instruction{}, &InvalidEncodingError{Word: word}
}
