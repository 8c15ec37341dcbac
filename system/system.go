// Package system wires the CPU, MMU, device bus and trap handler into the
// fetch-decode-execute-trap machine and exposes the step/run API.
package system

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"rv32/bus"
	"rv32/cpu"
	"rv32/memory"
	"rv32/trap"
)

// Config is the full configuration surface. A TimerInterval of 0 disables
// the timer; there are no other defaults.
type Config struct {
	// MemorySize is the RAM size in bytes.
	MemorySize uint32

	// PagingEnabled selects whether the MMU walks page tables at all.
	// When false, physical equals virtual regardless of satp.
	PagingEnabled bool

	// TimerInterval is the number of retired instructions between timer
	// interrupts.
	TimerInterval uint64
}

// Machine execution states.
type State int

const (
	Running State = iota
	Trapped
	Halted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Trapped:
		return "trapped"
	}
	return "halted"
}

// ExitReason classifies why the machine stopped.
type ExitReason int

const (
	ExitHalt ExitReason = iota
	ExitBreakpoint
	ExitError
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalt:
		return "halt"
	case ExitBreakpoint:
		return "breakpoint"
	}
	return "error"
}

// ExitStatus is the final machine state; Err names the originating failure
// for ExitError.
type ExitStatus struct {
	Reason ExitReason
	Err    error
}

func (e ExitStatus) String() string {
	if e.Reason == ExitError && e.Err != nil {
		return fmt.Sprintf("error: %v", e.Err)
	}
	return e.Reason.String()
}

// StepKind is the outcome class of a single step.
type StepKind int

const (
	StepContinue StepKind = iota
	StepTrapped
	StepExited
)

// StepResult is the outcome of one Step call: the instruction retired
// cleanly, a trap was delivered (Cause says which), or the machine exited
// (Exit says why).
type StepResult struct {
	Kind  StepKind
	Cause trap.Cause
	Exit  ExitStatus
}

// VM is the virtual machine instance. It exclusively owns the register
// file, physical memory, device bus and trap handler for its whole
// lifetime; the page-table root is kernel state installed later through
// the CPU's satp register.
type VM struct {
	CPU *cpu.CPU
	Bus *bus.Bus

	cfg     Config
	handler trap.Handler
	log     *logrus.Logger

	state     State
	exit      ExitStatus
	instret   uint64
	nextTimer uint64

	// active load-reservation, cleared by any overlapping store
	resAddr  memory.PhysAddr
	resValid bool

	// last dispatched external interrupt, for the handler to inspect
	lastIRQ bus.Interrupt

	haltReq atomic.Bool
}

// New builds a machine from the configuration. Devices are registered on
// vm.Bus afterwards, before the first step.
func New(cfg Config, handler trap.Handler, log *logrus.Logger) (*VM, error) {
	if cfg.MemorySize == 0 {
		return nil, errors.New("memory size must be non-zero")
	}
	if handler == nil {
		return nil, errors.New("trap handler required")
	}
	ram := memory.NewRAM(cfg.MemorySize)
	return &VM{
		CPU:       cpu.New(0),
		Bus:       bus.New(ram),
		cfg:       cfg,
		handler:   handler,
		log:       log,
		state:     Running,
		nextTimer: cfg.TimerInterval,
	}, nil
}

// State returns the current machine state.
func (vm *VM) State() State { return vm.state }

// Instret returns the retired instruction count.
func (vm *VM) Instret() uint64 { return vm.instret }

// LastInterrupt returns the device interrupt behind the most recent
// ExternalInterrupt cause.
func (vm *VM) LastInterrupt() bus.Interrupt { return vm.lastIRQ }

// RequestHalt asks the run loop to stop. The request is honored at the
// next instruction boundary, never mid-instruction.
func (vm *VM) RequestHalt() {
	vm.haltReq.Store(true)
}

// Step executes one instruction and everything attached to its retirement:
// the device tick, then trap delivery. Synchronous exceptions raised by the
// instruction take precedence over pending asynchronous interrupts; the
// timer is checked once per retirement, external interrupts after it.
func (vm *VM) Step() StepResult {
	if vm.state == Halted {
		return StepResult{Kind: StepExited, Exit: vm.exit}
	}

	cause := vm.execute()

	// devices advance exactly once per instruction, after execution and
	// before the next fetch
	if err := vm.Bus.Tick(); err != nil {
		return vm.fail(err)
	}
	vm.instret++

	if cause != nil {
		return vm.dispatch(*cause)
	}

	if vm.cfg.TimerInterval > 0 && vm.instret >= vm.nextTimer {
		vm.nextTimer += vm.cfg.TimerInterval
		return vm.dispatch(trap.Cause{Kind: trap.TimerInterrupt})
	}

	if irq, ok := vm.Bus.TakeInterrupt(); ok {
		vm.lastIRQ = irq
		return vm.dispatch(trap.Cause{Kind: trap.ExternalInterrupt})
	}

	return StepResult{Kind: StepContinue}
}

// Run drives Step until the machine exits. A cooperative halt request is
// checked once per instruction boundary. The returned error mirrors
// Exit.Err and is nil for clean halts and breakpoints.
func (vm *VM) Run() (ExitStatus, error) {
	for {
		if vm.haltReq.Load() {
			vm.state = Halted
			vm.exit = ExitStatus{Reason: ExitHalt}
			vm.log.Info("halt requested")
			return vm.exit, nil
		}

		res := vm.Step()
		if res.Kind == StepExited {
			vm.log.WithField("exit", res.Exit.String()).Info("machine exited")
			return res.Exit, res.Exit.Err
		}
	}
}

// dispatch classifies the cause, hands it to the external handler and
// applies the verdict: resume address, clean halt, breakpoint, or error.
func (vm *VM) dispatch(cause trap.Cause) StepResult {
	vm.state = Trapped

	if vm.log.IsLevelEnabled(logrus.DebugLevel) {
		vm.log.WithFields(logrus.Fields{
			"cause": cause.String(),
			"pc":    fmt.Sprintf("%#08x", vm.CPU.PC),
		}).Debug("trap")
	}

	resume, err := vm.handler.HandleTrap(cause, vm.CPU, vm.Bus)
	if err != nil {
		vm.state = Halted
		switch {
		case errors.Is(err, trap.ErrHalt):
			vm.exit = ExitStatus{Reason: ExitHalt}
		case errors.Is(err, trap.ErrBreakpoint):
			vm.exit = ExitStatus{Reason: ExitBreakpoint}
		default:
			vm.exit = ExitStatus{Reason: ExitError, Err: err}
		}
		return StepResult{Kind: StepExited, Exit: vm.exit}
	}

	vm.CPU.PC = resume.Uint32()
	vm.state = Running
	return StepResult{Kind: StepTrapped, Cause: cause}
}

func (vm *VM) fail(err error) StepResult {
	vm.state = Halted
	vm.exit = ExitStatus{Reason: ExitError, Err: err}
	return StepResult{Kind: StepExited, Exit: vm.exit}
}
