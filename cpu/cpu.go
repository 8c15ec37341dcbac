package cpu

import "fmt"

// Privilege modes. Machine is the reset mode; the kernel drops to User for
// guest processes via the trap handler.
type Mode int

const (
	User Mode = iota
	Supervisor
	Machine
)

func (m Mode) String() string {
	switch m {
	case User:
		return "user"
	case Supervisor:
		return "supervisor"
	case Machine:
		return "machine"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Reg is a validated register index, 0..31.
type Reg uint8

// Common register names.
const (
	Zero Reg = 0 // x0, hard-wired zero
	RA   Reg = 1 // x1, return address
	SP   Reg = 2 // x2, stack pointer
)

// NewReg validates a raw register number.
func NewReg(num uint32) (Reg, error) {
	if num >= 32 {
		return 0, &InvalidEncodingError{Word: num}
	}
	return Reg(num), nil
}

func (r Reg) String() string { return fmt.Sprintf("x%d", uint8(r)) }

// SATP is the CSR holding the page-table root; bit 31 selects Sv32.
const SATP = 0x180

// CPU is the register state of the simulated hart: 32 general purpose
// registers, the program counter, the privilege mode and the CSR file.
type CPU struct {
	PC   uint32
	Mode Mode

	regs [32]uint32
	csrs map[uint16]uint32
}

// New returns a CPU in machine mode with the PC at the entry point.
func New(entry uint32) *CPU {
	return &CPU{
		PC:   entry,
		Mode: Machine,
		csrs: make(map[uint16]uint32),
	}
}

// ReadReg returns the register value; x0 always reads zero.
func (c *CPU) ReadReg(r Reg) uint32 {
	if r == Zero {
		return 0
	}
	return c.regs[r]
}

// WriteReg sets the register value; writes to x0 are discarded. This is the
// only register write path, so the x0 invariant holds unconditionally.
func (c *CPU) WriteReg(r Reg, val uint32) {
	if r != Zero {
		c.regs[r] = val
	}
}

// ReadCSR returns the CSR value; unknown CSRs read as zero.
func (c *CPU) ReadCSR(csr uint16) uint32 {
	return c.csrs[csr]
}

// WriteCSR sets a CSR value.
func (c *CPU) WriteCSR(csr uint16, val uint32) {
	c.csrs[csr] = val
}

// SATP returns the current page-table configuration register.
func (c *CPU) SATP() uint32 { return c.csrs[SATP] }

// SetSATP installs a page-table root; the trap handler calls this when it
// switches address spaces.
func (c *CPU) SetSATP(val uint32) { c.csrs[SATP] = val }

// DumpRegisters renders the register file for the monitor views.
func (c *CPU) DumpRegisters() string {
	out := fmt.Sprintf("pc %08x  mode %s\n", c.PC, c.Mode)
	for i := 0; i < 32; i += 4 {
		out += fmt.Sprintf("x%-2d %08x  x%-2d %08x  x%-2d %08x  x%-2d %08x\n",
			i, c.ReadReg(Reg(i)),
			i+1, c.ReadReg(Reg(i+1)),
			i+2, c.ReadReg(Reg(i+2)),
			i+3, c.ReadReg(Reg(i+3)))
	}
	return out
}
