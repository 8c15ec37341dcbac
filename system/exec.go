package system

import (
	"math/bits"

	"rv32/cpu"
	"rv32/memory"
	"rv32/mmu"
	"rv32/trap"
)

// execute runs one instruction: fetch, decode, execute. A nil return means
// the instruction retired; otherwise the cause is reported with the PC
// rewound to the faulting instruction, so the handler sees the machine as
// it was before the attempt.
func (vm *VM) execute() *trap.Cause {
	pc := vm.CPU.PC

	if pc%4 != 0 {
		return &trap.Cause{Kind: trap.InstructionMisaligned, Addr: memory.VirtAddr(pc)}
	}
	phys, cause := vm.translate(memory.VirtAddr(pc), mmu.Execute)
	if cause != nil {
		return cause
	}
	word, err := vm.Bus.ReadWord(phys)
	if err != nil {
		return &trap.Cause{Kind: trap.InstructionAccessFault, Addr: memory.VirtAddr(pc)}
	}

	inst, err := cpu.Decode(word)
	if err != nil {
		return &trap.Cause{Kind: trap.IllegalInstruction, Instruction: word}
	}

	vm.CPU.PC = pc + 4
	if cause := vm.exec(inst, pc); cause != nil {
		vm.CPU.PC = pc
		return cause
	}
	return nil
}

// translate goes through the MMU unless translation is configured off.
func (vm *VM) translate(addr memory.VirtAddr, access mmu.AccessType) (memory.PhysAddr, *trap.Cause) {
	if !vm.cfg.PagingEnabled {
		return memory.PhysAddr(addr), nil
	}
	return mmu.Translate(addr, access, vm.CPU.SATP(), vm.CPU.Mode, vm.Bus)
}

func (vm *VM) exec(inst cpu.Instruction, pc uint32) *trap.Cause {
	c := vm.CPU
	rs1 := c.ReadReg(inst.Rs1)
	rs2 := c.ReadReg(inst.Rs2)

	switch inst.Op {
	case cpu.OpLui:
		c.WriteReg(inst.Rd, uint32(inst.Imm))
	case cpu.OpAuipc:
		c.WriteReg(inst.Rd, pc+uint32(inst.Imm))

	case cpu.OpJal:
		c.WriteReg(inst.Rd, pc+4)
		c.PC = pc + uint32(inst.Imm)
	case cpu.OpJalr:
		c.WriteReg(inst.Rd, pc+4)
		c.PC = (rs1 + uint32(inst.Imm)) &^ 1

	case cpu.OpBeq:
		if rs1 == rs2 {
			c.PC = pc + uint32(inst.Imm)
		}
	case cpu.OpBne:
		if rs1 != rs2 {
			c.PC = pc + uint32(inst.Imm)
		}
	case cpu.OpBlt:
		if int32(rs1) < int32(rs2) {
			c.PC = pc + uint32(inst.Imm)
		}
	case cpu.OpBge:
		if int32(rs1) >= int32(rs2) {
			c.PC = pc + uint32(inst.Imm)
		}
	case cpu.OpBltu:
		if rs1 < rs2 {
			c.PC = pc + uint32(inst.Imm)
		}
	case cpu.OpBgeu:
		if rs1 >= rs2 {
			c.PC = pc + uint32(inst.Imm)
		}

	case cpu.OpLb:
		val, cause := vm.loadByte(memory.VirtAddr(rs1 + uint32(inst.Imm)))
		if cause != nil {
			return cause
		}
		c.WriteReg(inst.Rd, uint32(int32(int8(val))))
	case cpu.OpLbu:
		val, cause := vm.loadByte(memory.VirtAddr(rs1 + uint32(inst.Imm)))
		if cause != nil {
			return cause
		}
		c.WriteReg(inst.Rd, uint32(val))
	case cpu.OpLh:
		val, cause := vm.loadHalf(memory.VirtAddr(rs1 + uint32(inst.Imm)))
		if cause != nil {
			return cause
		}
		c.WriteReg(inst.Rd, uint32(int32(int16(val))))
	case cpu.OpLhu:
		val, cause := vm.loadHalf(memory.VirtAddr(rs1 + uint32(inst.Imm)))
		if cause != nil {
			return cause
		}
		c.WriteReg(inst.Rd, uint32(val))
	case cpu.OpLw:
		val, cause := vm.loadWord(memory.VirtAddr(rs1 + uint32(inst.Imm)))
		if cause != nil {
			return cause
		}
		c.WriteReg(inst.Rd, val)

	case cpu.OpSb:
		return vm.storeByte(memory.VirtAddr(rs1+uint32(inst.Imm)), byte(rs2))
	case cpu.OpSh:
		return vm.storeHalf(memory.VirtAddr(rs1+uint32(inst.Imm)), uint16(rs2))
	case cpu.OpSw:
		return vm.storeWord(memory.VirtAddr(rs1+uint32(inst.Imm)), rs2)

	case cpu.OpAddi:
		c.WriteReg(inst.Rd, rs1+uint32(inst.Imm))
	case cpu.OpSlti:
		c.WriteReg(inst.Rd, boolToReg(int32(rs1) < inst.Imm))
	case cpu.OpSltiu:
		c.WriteReg(inst.Rd, boolToReg(rs1 < uint32(inst.Imm)))
	case cpu.OpXori:
		c.WriteReg(inst.Rd, rs1^uint32(inst.Imm))
	case cpu.OpOri:
		c.WriteReg(inst.Rd, rs1|uint32(inst.Imm))
	case cpu.OpAndi:
		c.WriteReg(inst.Rd, rs1&uint32(inst.Imm))
	case cpu.OpSlli:
		c.WriteReg(inst.Rd, rs1<<uint32(inst.Imm))
	case cpu.OpSrli:
		c.WriteReg(inst.Rd, rs1>>uint32(inst.Imm))
	case cpu.OpSrai:
		c.WriteReg(inst.Rd, uint32(int32(rs1)>>uint32(inst.Imm)))

	case cpu.OpAdd:
		c.WriteReg(inst.Rd, rs1+rs2)
	case cpu.OpSub:
		c.WriteReg(inst.Rd, rs1-rs2)
	case cpu.OpSll:
		c.WriteReg(inst.Rd, rs1<<(rs2&0x1F))
	case cpu.OpSlt:
		c.WriteReg(inst.Rd, boolToReg(int32(rs1) < int32(rs2)))
	case cpu.OpSltu:
		c.WriteReg(inst.Rd, boolToReg(rs1 < rs2))
	case cpu.OpXor:
		c.WriteReg(inst.Rd, rs1^rs2)
	case cpu.OpSrl:
		c.WriteReg(inst.Rd, rs1>>(rs2&0x1F))
	case cpu.OpSra:
		c.WriteReg(inst.Rd, uint32(int32(rs1)>>(rs2&0x1F)))
	case cpu.OpOr:
		c.WriteReg(inst.Rd, rs1|rs2)
	case cpu.OpAnd:
		c.WriteReg(inst.Rd, rs1&rs2)

	case cpu.OpMul:
		c.WriteReg(inst.Rd, rs1*rs2)
	case cpu.OpMulh:
		c.WriteReg(inst.Rd, uint32((int64(int32(rs1))*int64(int32(rs2)))>>32))
	case cpu.OpMulhsu:
		c.WriteReg(inst.Rd, uint32((int64(int32(rs1))*int64(rs2))>>32))
	case cpu.OpMulhu:
		hi, _ := bits.Mul32(rs1, rs2)
		c.WriteReg(inst.Rd, hi)
	case cpu.OpDiv:
		c.WriteReg(inst.Rd, div(rs1, rs2))
	case cpu.OpDivu:
		c.WriteReg(inst.Rd, divu(rs1, rs2))
	case cpu.OpRem:
		c.WriteReg(inst.Rd, rem(rs1, rs2))
	case cpu.OpRemu:
		c.WriteReg(inst.Rd, remu(rs1, rs2))

	case cpu.OpFence:
		// single hart, in-order: nothing to order

	case cpu.OpEcall:
		if c.Mode == cpu.User {
			return &trap.Cause{Kind: trap.EnvironmentCallFromU}
		}
		return &trap.Cause{Kind: trap.EnvironmentCallFromS}
	case cpu.OpEbreak:
		return &trap.Cause{Kind: trap.Breakpoint}

	case cpu.OpCsrrw:
		old := c.ReadCSR(inst.CSR)
		c.WriteCSR(inst.CSR, rs1)
		c.WriteReg(inst.Rd, old)
	case cpu.OpCsrrs:
		old := c.ReadCSR(inst.CSR)
		if inst.Rs1 != cpu.Zero {
			c.WriteCSR(inst.CSR, old|rs1)
		}
		c.WriteReg(inst.Rd, old)
	case cpu.OpCsrrc:
		old := c.ReadCSR(inst.CSR)
		if inst.Rs1 != cpu.Zero {
			c.WriteCSR(inst.CSR, old&^rs1)
		}
		c.WriteReg(inst.Rd, old)
	case cpu.OpCsrrwi:
		old := c.ReadCSR(inst.CSR)
		c.WriteCSR(inst.CSR, uint32(inst.Imm))
		c.WriteReg(inst.Rd, old)
	case cpu.OpCsrrsi:
		old := c.ReadCSR(inst.CSR)
		if inst.Imm != 0 {
			c.WriteCSR(inst.CSR, old|uint32(inst.Imm))
		}
		c.WriteReg(inst.Rd, old)
	case cpu.OpCsrrci:
		old := c.ReadCSR(inst.CSR)
		if inst.Imm != 0 {
			c.WriteCSR(inst.CSR, old&^uint32(inst.Imm))
		}
		c.WriteReg(inst.Rd, old)

	case cpu.OpLrW:
		return vm.execLr(inst, rs1)
	case cpu.OpScW:
		return vm.execSc(inst, rs1, rs2)
	case cpu.OpAmoSwapW, cpu.OpAmoAddW, cpu.OpAmoXorW, cpu.OpAmoAndW,
		cpu.OpAmoOrW, cpu.OpAmoMinW, cpu.OpAmoMaxW, cpu.OpAmoMinuW,
		cpu.OpAmoMaxuW:
		return vm.execAmo(inst, rs1, rs2)
	}

	return nil
}

// load helpers: alignment is checked for the access width before any
// translation or memory touch, so a misaligned access never has side
// effects.

func (vm *VM) loadByte(addr memory.VirtAddr) (byte, *trap.Cause) {
	phys, cause := vm.translate(addr, mmu.Read)
	if cause != nil {
		return 0, cause
	}
	val, err := vm.Bus.ReadByte(phys)
	if err != nil {
		return 0, &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	return val, nil
}

func (vm *VM) loadHalf(addr memory.VirtAddr) (uint16, *trap.Cause) {
	if addr%2 != 0 {
		return 0, &trap.Cause{Kind: trap.LoadMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Read)
	if cause != nil {
		return 0, cause
	}
	val, err := vm.Bus.ReadHalf(phys)
	if err != nil {
		return 0, &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	return val, nil
}

func (vm *VM) loadWord(addr memory.VirtAddr) (uint32, *trap.Cause) {
	if addr%4 != 0 {
		return 0, &trap.Cause{Kind: trap.LoadMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Read)
	if cause != nil {
		return 0, cause
	}
	val, err := vm.Bus.ReadWord(phys)
	if err != nil {
		return 0, &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	return val, nil
}

func (vm *VM) storeByte(addr memory.VirtAddr, val byte) *trap.Cause {
	phys, cause := vm.translate(addr, mmu.Write)
	if cause != nil {
		return cause
	}
	if err := vm.Bus.WriteByte(phys, val); err != nil {
		return &trap.Cause{Kind: trap.StoreAccessFault, Addr: addr}
	}
	vm.invalidateReservation(phys, 1)
	return nil
}

func (vm *VM) storeHalf(addr memory.VirtAddr, val uint16) *trap.Cause {
	if addr%2 != 0 {
		return &trap.Cause{Kind: trap.StoreMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Write)
	if cause != nil {
		return cause
	}
	if err := vm.Bus.WriteHalf(phys, val); err != nil {
		return &trap.Cause{Kind: trap.StoreAccessFault, Addr: addr}
	}
	vm.invalidateReservation(phys, 2)
	return nil
}

func (vm *VM) storeWord(addr memory.VirtAddr, val uint32) *trap.Cause {
	if addr%4 != 0 {
		return &trap.Cause{Kind: trap.StoreMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Write)
	if cause != nil {
		return cause
	}
	if err := vm.Bus.WriteWord(phys, val); err != nil {
		return &trap.Cause{Kind: trap.StoreAccessFault, Addr: addr}
	}
	vm.invalidateReservation(phys, 4)
	return nil
}

// invalidateReservation clears the active reservation when a store touches
// the reserved word, whatever instruction performed it.
func (vm *VM) invalidateReservation(addr memory.PhysAddr, width uint32) {
	if !vm.resValid {
		return
	}
	if addr+memory.PhysAddr(width) > vm.resAddr && addr < vm.resAddr+4 {
		vm.resValid = false
	}
}

func (vm *VM) execLr(inst cpu.Instruction, rs1 uint32) *trap.Cause {
	addr := memory.VirtAddr(rs1)
	if addr%4 != 0 {
		return &trap.Cause{Kind: trap.LoadMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Read)
	if cause != nil {
		return cause
	}
	val, err := vm.Bus.ReadWord(phys)
	if err != nil {
		return &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	vm.resAddr = phys
	vm.resValid = true
	vm.CPU.WriteReg(inst.Rd, val)
	return nil
}

func (vm *VM) execSc(inst cpu.Instruction, rs1, rs2 uint32) *trap.Cause {
	addr := memory.VirtAddr(rs1)
	if addr%4 != 0 {
		return &trap.Cause{Kind: trap.StoreMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Write)
	if cause != nil {
		return cause
	}

	if !vm.resValid || vm.resAddr != phys {
		// failed conditional: no memory write, rd reports failure,
		// and the reservation is gone either way
		vm.resValid = false
		vm.CPU.WriteReg(inst.Rd, 1)
		return nil
	}

	if err := vm.Bus.WriteWord(phys, rs2); err != nil {
		return &trap.Cause{Kind: trap.StoreAccessFault, Addr: addr}
	}
	vm.resValid = false
	vm.CPU.WriteReg(inst.Rd, 0)
	return nil
}

// execAmo performs the read-modify-write as one indivisible sequence; the
// interpreter is single-threaded, so nothing can observe the middle.
func (vm *VM) execAmo(inst cpu.Instruction, rs1, rs2 uint32) *trap.Cause {
	addr := memory.VirtAddr(rs1)
	if addr%4 != 0 {
		return &trap.Cause{Kind: trap.StoreMisaligned, Addr: addr}
	}
	phys, cause := vm.translate(addr, mmu.Write)
	if cause != nil {
		return cause
	}
	old, err := vm.Bus.ReadWord(phys)
	if err != nil {
		return &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}

	var val uint32
	switch inst.Op {
	case cpu.OpAmoSwapW:
		val = rs2
	case cpu.OpAmoAddW:
		val = old + rs2
	case cpu.OpAmoXorW:
		val = old ^ rs2
	case cpu.OpAmoAndW:
		val = old & rs2
	case cpu.OpAmoOrW:
		val = old | rs2
	case cpu.OpAmoMinW:
		val = old
		if int32(rs2) < int32(old) {
			val = rs2
		}
	case cpu.OpAmoMaxW:
		val = old
		if int32(rs2) > int32(old) {
			val = rs2
		}
	case cpu.OpAmoMinuW:
		val = min(old, rs2)
	case cpu.OpAmoMaxuW:
		val = max(old, rs2)
	}

	if err := vm.Bus.WriteWord(phys, val); err != nil {
		return &trap.Cause{Kind: trap.StoreAccessFault, Addr: addr}
	}
	vm.invalidateReservation(phys, 4)
	vm.CPU.WriteReg(inst.Rd, old)
	return nil
}

// Division semantics are defined by the architecture, not the host:
// division by zero and signed overflow have fixed results instead of
// faulting.

func div(a, b uint32) uint32 {
	switch {
	case b == 0:
		return 0xFFFF_FFFF
	case int32(a) == -1<<31 && int32(b) == -1:
		return a
	default:
		return uint32(int32(a) / int32(b))
	}
}

func divu(a, b uint32) uint32 {
	if b == 0 {
		return 0xFFFF_FFFF
	}
	return a / b
}

func rem(a, b uint32) uint32 {
	switch {
	case b == 0:
		return a
	case int32(a) == -1<<31 && int32(b) == -1:
		return 0
	default:
		return uint32(int32(a) % int32(b))
	}
}

func remu(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}

func boolToReg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
