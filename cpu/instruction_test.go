package cpu

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		want Instruction
	}{
		{"addi x1, x0, 5", 0x00500093, Instruction{Op: OpAddi, Rd: 1, Imm: 5}},
		{"addi x1, x0, -1", 0xFFF00093, Instruction{Op: OpAddi, Rd: 1, Imm: -1}},
		{"lui x5, 0x12345", 0x123452B7, Instruction{Op: OpLui, Rd: 5, Imm: 0x12345000}},
		{"jal x1, 8", 0x008000EF, Instruction{Op: OpJal, Rd: 1, Imm: 8}},
		{"beq x1, x2, -4", 0xFE208EE3, Instruction{Op: OpBeq, Rs1: 1, Rs2: 2, Imm: -4}},
		{"lw x2, 4(x1)", 0x0040A103, Instruction{Op: OpLw, Rd: 2, Rs1: 1, Imm: 4}},
		{"sw x2, 8(x1)", 0x0020A423, Instruction{Op: OpSw, Rs1: 1, Rs2: 2, Imm: 8}},
		{"div x3, x1, x2", 0x0220C1B3, Instruction{Op: OpDiv, Rd: 3, Rs1: 1, Rs2: 2}},
		{"ecall", 0x00000073, Instruction{Op: OpEcall}},
		{"ebreak", 0x00100073, Instruction{Op: OpEbreak}},
		{"lr.w x2, (x1)", 0x1000A12F, Instruction{Op: OpLrW, Rd: 2, Rs1: 1}},
		{"sc.w x3, x2, (x1)", 0x1820A1AF, Instruction{Op: OpScW, Rd: 3, Rs1: 1, Rs2: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.word)
			if err != nil {
				t.Fatalf("Decode(%#08x): %v", tt.word, err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}

			// canonical encodings survive the round trip back to the word
			word, err := Encode(got)
			if err != nil {
				t.Fatalf("Encode(%+v): %v", got, err)
			}
			if word != tt.word {
				t.Errorf("expected word %#08x, got %#08x", tt.word, word)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name   string
		word   uint32
		opcode bool // true: InvalidOpcodeError, false: InvalidEncodingError
	}{
		{"all zeroes", 0x00000000, true},
		{"load-fp opcode", 0x00000007, true},
		{"all ones", 0xFFFFFFFF, true},
		{"branch funct3 2", 0x00002063, false},
		{"load funct3 3", 0x00003003, false},
		{"slli bad funct7", 0x40000013 | 1<<12, false},
		{"system funct3 4", 0x00004073, false},
		{"lr.w with rs2", 0x1020A12F, false},
		{"amo funct3 0", 0x1000812F, false},
		{"ecall with rd", 0x000000F3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.word)
			if err == nil {
				t.Fatalf("Decode(%#08x) should fail", tt.word)
			}
			var opcErr *InvalidOpcodeError
			var encErr *InvalidEncodingError
			if tt.opcode && !errors.As(err, &opcErr) {
				t.Errorf("expected InvalidOpcodeError, got %v", err)
			}
			if !tt.opcode && !errors.As(err, &encErr) {
				t.Errorf("expected InvalidEncodingError, got %v", err)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		inst Instruction
	}{
		{"auipc", Instruction{Op: OpAuipc, Rd: 7, Imm: -4096}},
		{"jalr", Instruction{Op: OpJalr, Rd: 1, Rs1: 5, Imm: -2}},
		{"bgeu", Instruction{Op: OpBgeu, Rs1: 3, Rs2: 4, Imm: 4094}},
		{"lbu", Instruction{Op: OpLbu, Rd: 9, Rs1: 2, Imm: -2048}},
		{"sh", Instruction{Op: OpSh, Rs1: 8, Rs2: 9, Imm: 2047}},
		{"slli", Instruction{Op: OpSlli, Rd: 4, Rs1: 4, Imm: 31}},
		{"srai", Instruction{Op: OpSrai, Rd: 4, Rs1: 4, Imm: 1}},
		{"sub", Instruction{Op: OpSub, Rd: 10, Rs1: 11, Rs2: 12}},
		{"mulhu", Instruction{Op: OpMulhu, Rd: 13, Rs1: 14, Rs2: 15}},
		{"remu", Instruction{Op: OpRemu, Rd: 31, Rs1: 30, Rs2: 29}},
		{"fence", Instruction{Op: OpFence, Pred: 0x3, Succ: 0xC}},
		{"csrrw", Instruction{Op: OpCsrrw, Rd: 1, Rs1: 2, CSR: SATP}},
		{"csrrsi", Instruction{Op: OpCsrrsi, Rd: 1, CSR: 0x105, Imm: 17}},
		{"amoswap.w", Instruction{Op: OpAmoSwapW, Rd: 5, Rs1: 6, Rs2: 7}},
		{"amomaxu.w", Instruction{Op: OpAmoMaxuW, Rd: 5, Rs1: 6, Rs2: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word, err := Encode(tt.inst)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(word)
			if err != nil {
				t.Fatalf("Decode(%#08x): %v", word, err)
			}
			if got != tt.inst {
				t.Errorf("expected %+v, got %+v", tt.inst, got)
			}
		})
	}
}

func TestEncodeRejectsUnrepresentable(t *testing.T) {
	tests := []struct {
		name string
		inst Instruction
	}{
		{"lui with low bits", Instruction{Op: OpLui, Rd: 1, Imm: 0x1234}},
		{"addi imm too large", Instruction{Op: OpAddi, Rd: 1, Imm: 2048}},
		{"jal odd offset", Instruction{Op: OpJal, Rd: 1, Imm: 3}},
		{"beq offset too far", Instruction{Op: OpBeq, Rs1: 1, Rs2: 2, Imm: 4096}},
		{"shift amount 32", Instruction{Op: OpSlli, Rd: 1, Rs1: 1, Imm: 32}},
		{"register out of range", Instruction{Op: OpAdd, Rd: 32}},
		{"csr out of range", Instruction{Op: OpCsrrw, Rd: 1, CSR: 0x1000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.inst); err == nil {
				t.Errorf("Encode(%+v) should fail", tt.inst)
			}
		})
	}
}
