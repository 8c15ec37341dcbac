package cpu

// Encode is the inverse of Decode. It rejects operand values that have no
// representation in the instruction format, so that Decode(Encode(i)) == i
// holds for every instruction it accepts.
func Encode(i Instruction) (uint32, error) {
	switch i.Op {
	case OpLui:
		return encodeU(opcLui, i)
	case OpAuipc:
		return encodeU(opcAuipc, i)
	case OpJal:
		return encodeJ(opcJal, i)
	case OpJalr:
		return encodeI(opcJalr, 0, i)

	case OpBeq:
		return encodeB(0, i)
	case OpBne:
		return encodeB(1, i)
	case OpBlt:
		return encodeB(4, i)
	case OpBge:
		return encodeB(5, i)
	case OpBltu:
		return encodeB(6, i)
	case OpBgeu:
		return encodeB(7, i)

	case OpLb:
		return encodeI(opcLoad, 0, i)
	case OpLh:
		return encodeI(opcLoad, 1, i)
	case OpLw:
		return encodeI(opcLoad, 2, i)
	case OpLbu:
		return encodeI(opcLoad, 4, i)
	case OpLhu:
		return encodeI(opcLoad, 5, i)

	case OpSb:
		return encodeS(0, i)
	case OpSh:
		return encodeS(1, i)
	case OpSw:
		return encodeS(2, i)

	case OpAddi:
		return encodeI(opcOpImm, 0, i)
	case OpSlti:
		return encodeI(opcOpImm, 2, i)
	case OpSltiu:
		return encodeI(opcOpImm, 3, i)
	case OpXori:
		return encodeI(opcOpImm, 4, i)
	case OpOri:
		return encodeI(opcOpImm, 6, i)
	case OpAndi:
		return encodeI(opcOpImm, 7, i)
	case OpSlli:
		return encodeShift(1, 0x00, i)
	case OpSrli:
		return encodeShift(5, 0x00, i)
	case OpSrai:
		return encodeShift(5, 0x20, i)

	case OpAdd:
		return encodeR(0, 0x00, i)
	case OpSll:
		return encodeR(1, 0x00, i)
	case OpSlt:
		return encodeR(2, 0x00, i)
	case OpSltu:
		return encodeR(3, 0x00, i)
	case OpXor:
		return encodeR(4, 0x00, i)
	case OpSrl:
		return encodeR(5, 0x00, i)
	case OpOr:
		return encodeR(6, 0x00, i)
	case OpAnd:
		return encodeR(7, 0x00, i)
	case OpSub:
		return encodeR(0, 0x20, i)
	case OpSra:
		return encodeR(5, 0x20, i)

	case OpMul:
		return encodeR(0, 0x01, i)
	case OpMulh:
		return encodeR(1, 0x01, i)
	case OpMulhsu:
		return encodeR(2, 0x01, i)
	case OpMulhu:
		return encodeR(3, 0x01, i)
	case OpDiv:
		return encodeR(4, 0x01, i)
	case OpDivu:
		return encodeR(5, 0x01, i)
	case OpRem:
		return encodeR(6, 0x01, i)
	case OpRemu:
		return encodeR(7, 0x01, i)

	case OpFence:
		if i.Pred > 0xF || i.Succ > 0xF {
			return 0, &InvalidEncodingError{}
		}
		return uint32(i.Pred)<<24 | uint32(i.Succ)<<20 | opcMisc, nil
	case OpEcall:
		return 0x00000073, nil
	case OpEbreak:
		return 0x00100073, nil

	case OpCsrrw:
		return encodeCSR(1, i, uint32(i.Rs1)<<15)
	case OpCsrrs:
		return encodeCSR(2, i, uint32(i.Rs1)<<15)
	case OpCsrrc:
		return encodeCSR(3, i, uint32(i.Rs1)<<15)
	case OpCsrrwi:
		return encodeCSRImm(5, i)
	case OpCsrrsi:
		return encodeCSRImm(6, i)
	case OpCsrrci:
		return encodeCSRImm(7, i)

	case OpLrW:
		return encodeAmo(0x02, i)
	case OpScW:
		return encodeAmo(0x03, i)
	case OpAmoSwapW:
		return encodeAmo(0x01, i)
	case OpAmoAddW:
		return encodeAmo(0x00, i)
	case OpAmoXorW:
		return encodeAmo(0x04, i)
	case OpAmoAndW:
		return encodeAmo(0x0C, i)
	case OpAmoOrW:
		return encodeAmo(0x08, i)
	case OpAmoMinW:
		return encodeAmo(0x10, i)
	case OpAmoMaxW:
		return encodeAmo(0x14, i)
	case OpAmoMinuW:
		return encodeAmo(0x18, i)
	case OpAmoMaxuW:
		return encodeAmo(0x1C, i)
	}
	return 0, &InvalidOpcodeError{}
}

func checkReg(regs ...Reg) bool {
	for _, r := range regs {
		if r >= 32 {
			return false
		}
	}
	return true
}

func encodeU(opcode uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd) || uint32(i.Imm)&0xFFF != 0 {
		return 0, &InvalidEncodingError{}
	}
	return uint32(i.Imm) | uint32(i.Rd)<<7 | opcode, nil
}

func encodeJ(opcode uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd) || i.Imm < -(1<<20) || i.Imm >= 1<<20 || i.Imm&1 != 0 {
		return 0, &InvalidEncodingError{}
	}
	imm := uint32(i.Imm)
	word := (imm>>20&0x1)<<31 |
		(imm>>1&0x3FF)<<21 |
		(imm>>11&0x1)<<20 |
		(imm >> 12 & 0xFF) << 12
	return word | uint32(i.Rd)<<7 | opcode, nil
}

func encodeI(opcode, funct3 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd, i.Rs1) || i.Imm < -2048 || i.Imm > 2047 {
		return 0, &InvalidEncodingError{}
	}
	return (uint32(i.Imm)&0xFFF)<<20 | uint32(i.Rs1)<<15 | funct3<<12 | uint32(i.Rd)<<7 | opcode, nil
}

func encodeS(funct3 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rs1, i.Rs2) || i.Imm < -2048 || i.Imm > 2047 {
		return 0, &InvalidEncodingError{}
	}
	imm := uint32(i.Imm)
	return (imm>>5&0x7F)<<25 | uint32(i.Rs2)<<20 | uint32(i.Rs1)<<15 |
		funct3<<12 | (imm&0x1F)<<7 | opcStore, nil
}

func encodeB(funct3 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rs1, i.Rs2) || i.Imm < -4096 || i.Imm > 4095 || i.Imm&1 != 0 {
		return 0, &InvalidEncodingError{}
	}
	imm := uint32(i.Imm)
	word := (imm>>12&0x1)<<31 |
		(imm>>5&0x3F)<<25 |
		(imm>>1&0xF)<<8 |
		(imm >> 11 & 0x1) << 7
	return word | uint32(i.Rs2)<<20 | uint32(i.Rs1)<<15 | funct3<<12 | opcBranch, nil
}

func encodeR(funct3, funct7 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd, i.Rs1, i.Rs2) {
		return 0, &InvalidEncodingError{}
	}
	return funct7<<25 | uint32(i.Rs2)<<20 | uint32(i.Rs1)<<15 |
		funct3<<12 | uint32(i.Rd)<<7 | opcOp, nil
}

func encodeShift(funct3, funct7 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd, i.Rs1) || i.Imm < 0 || i.Imm > 31 {
		return 0, &InvalidEncodingError{}
	}
	return funct7<<25 | uint32(i.Imm)<<20 | uint32(i.Rs1)<<15 |
		funct3<<12 | uint32(i.Rd)<<7 | opcOpImm, nil
}

func encodeCSR(funct3 uint32, i Instruction, src uint32) (uint32, error) {
	if !checkReg(i.Rd, i.Rs1) || i.CSR > 0xFFF {
		return 0, &InvalidEncodingError{}
	}
	return uint32(i.CSR)<<20 | src | funct3<<12 | uint32(i.Rd)<<7 | opcSystem, nil
}

func encodeCSRImm(funct3 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd) || i.CSR > 0xFFF || i.Imm < 0 || i.Imm > 31 {
		return 0, &InvalidEncodingError{}
	}
	return uint32(i.CSR)<<20 | uint32(i.Imm)<<15 | funct3<<12 | uint32(i.Rd)<<7 | opcSystem, nil
}

func encodeAmo(funct5 uint32, i Instruction) (uint32, error) {
	if !checkReg(i.Rd, i.Rs1, i.Rs2) {
		return 0, &InvalidEncodingError{}
	}
	return funct5<<27 | uint32(i.Rs2)<<20 | uint32(i.Rs1)<<15 |
		2<<12 | uint32(i.Rd)<<7 | opcAmo, nil
}
