package system

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"rv32/bus"
	"rv32/cpu"
	"rv32/memory"
	"rv32/mmu"
	"rv32/trap"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recordingHandler collects every delivered cause. Ecall and ebreak stop the
// machine, interrupts resume where the interrupted flow left off, everything
// else halts with the unhandled error.
type recordingHandler struct {
	causes []trap.Cause
}

func (h *recordingHandler) HandleTrap(cause trap.Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error) {
	h.causes = append(h.causes, cause)
	switch cause.Kind {
	case trap.EnvironmentCallFromU, trap.EnvironmentCallFromS:
		return 0, trap.ErrHalt
	case trap.Breakpoint:
		return 0, trap.ErrBreakpoint
	case trap.TimerInterrupt, trap.ExternalInterrupt:
		return memory.VirtAddr(c.PC), nil
	}
	return 0, &trap.UnhandledError{Cause: cause}
}

// asm encodes a program into a loadable image at address zero.
func asm(t *testing.T, insts ...cpu.Instruction) Image {
	t.Helper()
	data := make([]byte, 4*len(insts))
	for i, inst := range insts {
		word, err := cpu.Encode(inst)
		if err != nil {
			t.Fatalf("encode %v: %v", inst, err)
		}
		binary.LittleEndian.PutUint32(data[4*i:], word)
	}
	return Image{Segments: []Segment{{Size: uint32(len(data)), Data: data}}}
}

func newTestVM(t *testing.T, cfg Config, h trap.Handler) *VM {
	t.Helper()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 1 << 20
	}
	vm, err := New(cfg, h, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return vm
}

func TestArithmetic(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 4},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 2, Imm: 6},
		cpu.Instruction{Op: cpu.OpAdd, Rd: 2, Rs1: 1, Rs2: 2},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}

	exit, err := vm.Run()
	if err != nil {
		t.Fatal(err)
	}
	if exit.Reason != ExitHalt {
		t.Fatalf("expected halt, got %v", exit)
	}
	if got := vm.CPU.ReadReg(2); got != 10 {
		t.Errorf("expected 10 in x2, got %d", got)
	}
	if vm.Instret() != 4 {
		t.Errorf("expected 4 retired instructions, got %d", vm.Instret())
	}
}

func TestMisalignedLoadTraps(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 2},
		cpu.Instruction{Op: cpu.OpLw, Rd: 2, Rs1: 1},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}

	exit, err := vm.Run()
	if exit.Reason != ExitError {
		t.Fatalf("expected error exit, got %v (%v)", exit, err)
	}
	var unhandled *trap.UnhandledError
	if !errors.As(err, &unhandled) {
		t.Fatalf("expected UnhandledError, got %v", err)
	}

	want := trap.Cause{Kind: trap.LoadMisaligned, Addr: 2}
	if len(h.causes) != 1 || h.causes[0] != want {
		t.Fatalf("expected %v, got %v", want, h.causes)
	}

	// the handler sees the faulting instruction's pc and an untouched
	// destination register
	if vm.CPU.PC != 4 {
		t.Errorf("expected pc rewound to 4, got %x", vm.CPU.PC)
	}
	if got := vm.CPU.ReadReg(2); got != 0 {
		t.Errorf("expected x2 untouched, got %x", got)
	}
}

func TestStoreLoadThroughPageTable(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{PagingEnabled: true}, h)

	// code page identity mapped at VA 0, data page VA 0x1000 -> PA 0x80000
	img := asm(t,
		cpu.Instruction{Op: cpu.OpLui, Rd: 1, Imm: 0x1000},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 2, Imm: 0x42},
		cpu.Instruction{Op: cpu.OpSw, Rs1: 1, Rs2: 2},
		cpu.Instruction{Op: cpu.OpLw, Rd: 3, Rs1: 1},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}

	ram := vm.Bus.RAM()
	const rootFrame, l0Frame, dataFrame = 1, 2, 0x80
	if err := ram.WriteWord(memory.PhysPageNum(rootFrame).Addr(),
		uint32(mmu.NewPTE(l0Frame, mmu.FlagV))); err != nil {
		t.Fatal(err)
	}
	l0 := memory.PhysPageNum(l0Frame).Addr()
	if err := ram.WriteWord(l0, uint32(mmu.NewPTE(0, mmu.FlagV|mmu.FlagR|mmu.FlagX))); err != nil {
		t.Fatal(err)
	}
	if err := ram.WriteWord(l0+4, uint32(mmu.NewPTE(dataFrame, mmu.FlagV|mmu.FlagR|mmu.FlagW))); err != nil {
		t.Fatal(err)
	}

	vm.CPU.SetSATP(mmu.ModeSv32 | rootFrame)
	vm.CPU.Mode = cpu.Supervisor

	exit, err := vm.Run()
	if err != nil {
		t.Fatalf("%v (causes %v)", err, h.causes)
	}
	if exit.Reason != ExitHalt {
		t.Fatalf("expected halt, got %v", exit)
	}

	if got := vm.CPU.ReadReg(3); got != 0x42 {
		t.Errorf("expected 42 loaded back, got %x", got)
	}
	w, _ := ram.ReadWord(memory.PhysPageNum(dataFrame).Addr())
	if w != 0x42 {
		t.Errorf("expected 42 in the mapped frame, got %x", w)
	}

	// the data pte picked up accessed and dirty
	raw, _ := ram.ReadWord(l0 + 4)
	pte := mmu.PTE(raw)
	if !pte.Accessed() || !pte.Dirty() {
		t.Errorf("expected A and D set on the data pte, got %x", raw)
	}
}

func TestTranslationDisabledIsIdentity(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpLui, Rd: 1, Imm: 0x1000},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 2, Imm: 0x55},
		cpu.Instruction{Op: cpu.OpSw, Rs1: 1, Rs2: 2},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}

	// satp content is irrelevant with translation off
	vm.CPU.SetSATP(mmu.ModeSv32 | 0x99)

	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}
	w, _ := vm.Bus.RAM().ReadWord(0x1000)
	if w != 0x55 {
		t.Errorf("expected 55 at physical 1000, got %x", w)
	}
}

func TestLrScReservation(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 0x100},
		cpu.Instruction{Op: cpu.OpLrW, Rd: 2, Rs1: 1},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 3, Imm: 7},
		// plain store to the reserved word kills the reservation
		cpu.Instruction{Op: cpu.OpSw, Rs1: 1, Rs2: 3},
		cpu.Instruction{Op: cpu.OpScW, Rd: 4, Rs1: 1, Rs2: 3},
		// second attempt with an intact reservation succeeds
		cpu.Instruction{Op: cpu.OpLrW, Rd: 5, Rs1: 1},
		cpu.Instruction{Op: cpu.OpScW, Rd: 6, Rs1: 1, Rs2: 5},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	if got := vm.CPU.ReadReg(4); got != 1 {
		t.Errorf("expected sc failure (1) in x4, got %d", got)
	}
	if got := vm.CPU.ReadReg(6); got != 0 {
		t.Errorf("expected sc success (0) in x6, got %d", got)
	}
	w, _ := vm.Bus.RAM().ReadWord(0x100)
	if w != 7 {
		t.Errorf("expected 7 at 100, got %d", w)
	}
}

func TestDivRemEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		fn   func(a, b uint32) uint32
		a, b uint32
		want uint32
	}{
		{"div by zero", div, 10, 0, 0xFFFF_FFFF},
		{"div overflow", div, 0x8000_0000, 0xFFFF_FFFF, 0x8000_0000},
		{"div signed", div, 0xFFFF_FFF8, 2, 0xFFFF_FFFC}, // -8 / 2
		{"divu by zero", divu, 10, 0, 0xFFFF_FFFF},
		{"divu large", divu, 0x8000_0000, 2, 0x4000_0000},
		{"rem by zero", rem, 10, 0, 10},
		{"rem overflow", rem, 0x8000_0000, 0xFFFF_FFFF, 0},
		{"rem signed", rem, 0xFFFF_FFF9, 2, 0xFFFF_FFFF}, // -7 % 2
		{"remu by zero", remu, 10, 0, 10},
		{"remu", remu, 7, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.a, tt.b); got != tt.want {
				t.Errorf("expected %x, got %x", tt.want, got)
			}
		})
	}
}

func TestDivRemProgram(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: -8},
		cpu.Instruction{Op: cpu.OpDiv, Rd: 3, Rs1: 1, Rs2: 2},
		cpu.Instruction{Op: cpu.OpRem, Rd: 4, Rs1: 1, Rs2: 2},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	if got := vm.CPU.ReadReg(3); got != 0xFFFF_FFFF {
		t.Errorf("expected -1 from division by zero, got %x", got)
	}
	if got := vm.CPU.ReadReg(4); got != uint32(0xFFFF_FFF8) {
		t.Errorf("expected dividend from rem by zero, got %x", got)
	}
}

func TestIllegalInstruction(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	img := Image{Segments: []Segment{{Size: 4, Data: []byte{0x07, 0, 0, 0}}}}
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}

	exit, _ := vm.Run()
	if exit.Reason != ExitError {
		t.Fatalf("expected error exit, got %v", exit)
	}
	want := trap.Cause{Kind: trap.IllegalInstruction, Instruction: 0x07}
	if len(h.causes) != 1 || h.causes[0] != want {
		t.Errorf("expected %v, got %v", want, h.causes)
	}
}

func TestBreakpointExit(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	if err := vm.LoadImage(asm(t, cpu.Instruction{Op: cpu.OpEbreak})); err != nil {
		t.Fatal(err)
	}

	exit, err := vm.Run()
	if err != nil {
		t.Fatal(err)
	}
	if exit.Reason != ExitBreakpoint {
		t.Errorf("expected breakpoint exit, got %v", exit)
	}
	if vm.State() != Halted {
		t.Errorf("expected halted state, got %v", vm.State())
	}
}

func TestTimerInterrupt(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{TimerInterval: 2}, h)
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	var timers int
	for _, c := range h.causes {
		if c.Kind == trap.TimerInterrupt {
			timers++
		}
	}
	// 5 retirements with an interval of 2: due at 2 and 4
	if timers != 2 {
		t.Errorf("expected 2 timer interrupts, got %d (%v)", timers, h.causes)
	}
	if got := vm.CPU.ReadReg(1); got != 4 {
		t.Errorf("expected interrupted program to finish with 4, got %d", got)
	}
}

// ticker counts Tick calls and raises one interrupt when armed.
type ticker struct {
	name  string
	ticks uint64
	arm   bool
}

func (d *ticker) Name() string                       { return d.name }
func (d *ticker) Read(offset uint32) (uint32, error) { return 0, nil }
func (d *ticker) Write(offset, value uint32) error   { return nil }
func (d *ticker) Tick() (*bus.Interrupt, error) {
	d.ticks++
	if d.arm {
		d.arm = false
		return &bus.Interrupt{Device: d.name, IRQ: 9}, nil
	}
	return nil, nil
}

func TestDeviceTickPerInstruction(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	dev := &ticker{name: "tick0"}
	if err := vm.Bus.AddDevice(0x4000_0000, 0x100, dev); err != nil {
		t.Fatal(err)
	}
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	if dev.ticks != vm.Instret() {
		t.Errorf("expected %d ticks, got %d", vm.Instret(), dev.ticks)
	}
}

func TestExternalInterrupt(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	dev := &ticker{name: "tick0", arm: true}
	if err := vm.Bus.AddDevice(0x4000_0000, 0x100, dev); err != nil {
		t.Fatal(err)
	}
	img := asm(t,
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpEcall},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	if len(h.causes) != 2 || h.causes[0].Kind != trap.ExternalInterrupt {
		t.Fatalf("expected external interrupt then ecall, got %v", h.causes)
	}
	if irq := vm.LastInterrupt(); irq.Device != "tick0" || irq.IRQ != 9 {
		t.Errorf("expected tick0 irq 9, got %+v", irq)
	}
}

// a synchronous exception and a pending interrupt on the same step: the
// exception is delivered first, the interrupt on the following step
func TestSyncBeatsAsync(t *testing.T) {
	causes := []trap.Cause{}
	h := trap.HandlerFunc(func(cause trap.Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error) {
		causes = append(causes, cause)
		switch cause.Kind {
		case trap.EnvironmentCallFromS:
			// skip the ecall and keep going
			return memory.VirtAddr(c.PC + 4), nil
		case trap.ExternalInterrupt:
			return memory.VirtAddr(c.PC), nil
		}
		return 0, trap.ErrHalt
	})

	vm := newTestVM(t, Config{}, h)
	dev := &ticker{name: "tick0", arm: true}
	if err := vm.Bus.AddDevice(0x4000_0000, 0x100, dev); err != nil {
		t.Fatal(err)
	}
	img := asm(t,
		cpu.Instruction{Op: cpu.OpEcall},
		cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 1},
		cpu.Instruction{Op: cpu.OpEbreak},
	)
	if err := vm.LoadImage(img); err != nil {
		t.Fatal(err)
	}
	vm.CPU.Mode = cpu.Supervisor
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	if len(causes) < 2 {
		t.Fatalf("expected at least two causes, got %v", causes)
	}
	if causes[0].Kind != trap.EnvironmentCallFromS {
		t.Errorf("expected the ecall first, got %v", causes[0])
	}
	if causes[1].Kind != trap.ExternalInterrupt {
		t.Errorf("expected the interrupt second, got %v", causes[1])
	}
}

func TestDeterministicRuns(t *testing.T) {
	run := func() ([]trap.Cause, uint64, uint32) {
		h := &recordingHandler{}
		vm := newTestVM(t, Config{TimerInterval: 3}, h)
		dev := &ticker{name: "tick0", arm: true}
		if err := vm.Bus.AddDevice(0x4000_0000, 0x100, dev); err != nil {
			t.Fatal(err)
		}
		img := asm(t,
			cpu.Instruction{Op: cpu.OpAddi, Rd: 1, Imm: 3},
			cpu.Instruction{Op: cpu.OpAddi, Rd: 2, Imm: 4},
			cpu.Instruction{Op: cpu.OpMul, Rd: 3, Rs1: 1, Rs2: 2},
			cpu.Instruction{Op: cpu.OpAddi, Rd: 3, Rs1: 3, Imm: 1},
			cpu.Instruction{Op: cpu.OpEcall},
		)
		if err := vm.LoadImage(img); err != nil {
			t.Fatal(err)
		}
		if _, err := vm.Run(); err != nil {
			t.Fatal(err)
		}
		return h.causes, vm.Instret(), vm.CPU.ReadReg(3)
	}

	c1, i1, r1 := run()
	c2, i2, r2 := run()
	if i1 != i2 || r1 != r2 || len(c1) != len(c2) {
		t.Fatalf("runs diverged: %d/%d instret, %x/%x result", i1, i2, r1, r2)
	}
	for i := range c1 {
		if c1[i] != c2[i] {
			t.Errorf("cause %d diverged: %v vs %v", i, c1[i], c2[i])
		}
	}
}

func TestRequestHalt(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	if err := vm.LoadImage(asm(t, cpu.Instruction{Op: cpu.OpEcall})); err != nil {
		t.Fatal(err)
	}

	vm.RequestHalt()
	exit, err := vm.Run()
	if err != nil {
		t.Fatal(err)
	}
	if exit.Reason != ExitHalt {
		t.Errorf("expected halt exit, got %v", exit)
	}
	if vm.Instret() != 0 {
		t.Errorf("expected no instructions retired, got %d", vm.Instret())
	}
}

func TestStepAfterHalt(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{}, h)
	if err := vm.LoadImage(asm(t, cpu.Instruction{Op: cpu.OpEcall})); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Run(); err != nil {
		t.Fatal(err)
	}

	res := vm.Step()
	if res.Kind != StepExited || res.Exit.Reason != ExitHalt {
		t.Errorf("expected repeated halt report, got %+v", res)
	}
}

func TestLoadImageBounds(t *testing.T) {
	h := &recordingHandler{}
	vm := newTestVM(t, Config{MemorySize: 0x1000}, h)

	img := Image{Segments: []Segment{{Start: 0x800, Size: 0x1000}}}
	if err := vm.LoadImage(img); err == nil {
		t.Error("expected error for segment past the end of memory")
	}

	img = Image{Segments: []Segment{{Size: 2, Data: []byte{1, 2, 3}}}}
	if err := vm.LoadImage(img); err == nil {
		t.Error("expected error for data larger than the segment")
	}
}

func TestNewValidation(t *testing.T) {
	h := &recordingHandler{}
	if _, err := New(Config{}, h, testLogger()); err == nil {
		t.Error("expected error for zero memory size")
	}
	if _, err := New(Config{MemorySize: 0x1000}, nil, testLogger()); err == nil {
		t.Error("expected error for missing handler")
	}
}
