package trap

/*
Separate package mainly in order to avoid cyclic imports: the orchestrator
raises causes, devices raise interrupts, the kernel-side handler consumes
both, and none of them should have to import each other.
*/

import (
	"errors"
	"fmt"

	"rv32/cpu"
	"rv32/memory"
)

// CauseKind enumerates the closed set of trap causes. New conditions get a
// new kind; nothing is coerced into an existing one.
type CauseKind int

const (
	// synchronous exceptions
	InstructionMisaligned CauseKind = iota
	InstructionAccessFault
	IllegalInstruction
	Breakpoint
	LoadMisaligned
	LoadAccessFault
	StoreMisaligned
	StoreAccessFault
	EnvironmentCallFromU
	EnvironmentCallFromS
	InstructionPageFault
	LoadPageFault
	StorePageFault

	// asynchronous interrupts
	TimerInterrupt
	ExternalInterrupt
)

var kindNames = map[CauseKind]string{
	InstructionMisaligned:  "instruction address misaligned",
	InstructionAccessFault: "instruction access fault",
	IllegalInstruction:     "illegal instruction",
	Breakpoint:             "breakpoint",
	LoadMisaligned:         "load address misaligned",
	LoadAccessFault:        "load access fault",
	StoreMisaligned:        "store address misaligned",
	StoreAccessFault:       "store access fault",
	EnvironmentCallFromU:   "environment call from U-mode",
	EnvironmentCallFromS:   "environment call from S-mode",
	InstructionPageFault:   "instruction page fault",
	LoadPageFault:          "load page fault",
	StorePageFault:         "store page fault",
	TimerInterrupt:         "timer interrupt",
	ExternalInterrupt:      "external interrupt",
}

func (k CauseKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("cause(%d)", int(k))
}

// Interrupt reports whether the cause is asynchronous.
func (k CauseKind) Interrupt() bool {
	return k == TimerInterrupt || k == ExternalInterrupt
}

// Cause is one delivered trap. Addr carries the faulting virtual address
// for memory causes, Instruction the offending word for illegal
// instructions; both stay zero otherwise, so causes compare with ==.
type Cause struct {
	Kind        CauseKind
	Addr        memory.VirtAddr
	Instruction uint32
}

func (c Cause) String() string {
	switch {
	case c.Kind == IllegalInstruction:
		return fmt.Sprintf("%s (%#08x)", c.Kind, c.Instruction)
	case c.Kind.Interrupt():
		return c.Kind.String()
	default:
		return fmt.Sprintf("%s at %s", c.Kind, c.Addr)
	}
}

// Handler is the kernel-side trap contract. It may mutate registers and
// memory (system call implementation, address-space switches) and returns
// the virtual address execution resumes at.
//
// Returning ErrHalt stops the machine cleanly; ErrBreakpoint stops it with
// a breakpoint exit; any other error halts it with an error exit.
type Handler interface {
	HandleTrap(cause Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(cause Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error)

func (f HandlerFunc) HandleTrap(cause Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error) {
	return f(cause, c, mem)
}

// Control errors a handler returns to stop the machine.
var (
	ErrHalt       = errors.New("machine halted")
	ErrBreakpoint = errors.New("debugger breakpoint")
)

// UnhandledError is returned by a handler that has no policy for a cause.
type UnhandledError struct {
	Cause Cause
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("unhandled trap: %s", e.Cause)
}
