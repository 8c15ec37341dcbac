// Package bus routes physical memory accesses either to RAM or to
// memory-mapped devices registered against fixed address windows, and
// drives the per-instruction device tick.
package bus

import (
	"errors"
	"fmt"

	"rv32/memory"
)

// Interrupt is a device's pending interrupt request.
type Interrupt struct {
	Device string
	IRQ    uint32
}

// Device is the capability set every memory-mapped device implements.
// Registers are word sized; for sub-word bus accesses the low bits of the
// register word are used. Offsets are relative to the device's window base.
// Effects of Write are fully determined by offset and value and happen
// synchronously inside the call; Tick only advances internal timers and may
// raise at most one interrupt per call.
type Device interface {
	Name() string
	Read(offset uint32) (uint32, error)
	Write(offset uint32, value uint32) error
	Tick() (*Interrupt, error)
}

// InvalidOffsetError reports an access to an address no register backs.
type InvalidOffsetError struct {
	Offset uint32
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid device offset: %#x", e.Offset)
}

// IOError wraps a device's backing store failure.
type IOError struct {
	Device string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("device %s io error: %v", e.Device, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrNotReady is returned by a device asked to start an operation while one
// is still in flight.
var ErrNotReady = errors.New("device not ready")

type window struct {
	base uint32
	size uint32
	dev  Device
}

func (w *window) contains(addr uint32) bool {
	return addr >= w.base && addr < w.base+w.size
}

// Bus owns the RAM store and the registered devices. Each device is owned
// exclusively by the bus for the machine's lifetime; nothing else touches
// them, so there is no aliasing to reason about.
type Bus struct {
	ram     *memory.RAM
	windows []window
	pending []Interrupt
}

// New returns a bus backed by the given RAM.
func New(ram *memory.RAM) *Bus {
	return &Bus{ram: ram}
}

// RAM exposes the backing store for the program loader.
func (b *Bus) RAM() *memory.RAM { return b.ram }

// AddDevice registers a device against [base, base+size). Windows must not
// overlap each other or RAM; a violation is a construction error.
func (b *Bus) AddDevice(base, size uint32, dev Device) error {
	if uint64(base) < uint64(b.ram.Size()) {
		return fmt.Errorf("device %s window %#x overlaps RAM", dev.Name(), base)
	}
	for _, w := range b.windows {
		if base < w.base+w.size && w.base < base+size {
			return fmt.Errorf("device %s window %#x overlaps %s", dev.Name(), base, w.dev.Name())
		}
	}
	b.windows = append(b.windows, window{base: base, size: size, dev: dev})
	return nil
}

func (b *Bus) find(addr memory.PhysAddr) *window {
	for i := range b.windows {
		if b.windows[i].contains(addr.Uint32()) {
			return &b.windows[i]
		}
	}
	return nil
}

// Tick advances every device exactly once, in registration order, and
// queues any raised interrupts. This fixed total order is what makes
// execution traces reproducible.
func (b *Bus) Tick() error {
	for i := range b.windows {
		irq, err := b.windows[i].dev.Tick()
		if err != nil {
			return &IOError{Device: b.windows[i].dev.Name(), Err: err}
		}
		if irq != nil {
			b.pending = append(b.pending, *irq)
		}
	}
	return nil
}

// TakeInterrupt pops the oldest queued interrupt; simultaneous requests
// resolve by registration order, losers stay pending for later steps.
func (b *Bus) TakeInterrupt() (Interrupt, bool) {
	if len(b.pending) == 0 {
		return Interrupt{}, false
	}
	winner := b.pending[0]
	b.pending = b.pending[1:]
	return winner, true
}

// Memory interface: device windows first, then RAM.

func (b *Bus) ReadByte(addr memory.PhysAddr) (byte, error) {
	if w := b.find(addr); w != nil {
		val, err := w.dev.Read(addr.Uint32() - w.base)
		return byte(val), err
	}
	return b.ram.ReadByte(addr)
}

func (b *Bus) WriteByte(addr memory.PhysAddr, val byte) error {
	if w := b.find(addr); w != nil {
		return w.dev.Write(addr.Uint32()-w.base, uint32(val))
	}
	return b.ram.WriteByte(addr, val)
}

func (b *Bus) ReadHalf(addr memory.PhysAddr) (uint16, error) {
	if w := b.find(addr); w != nil {
		val, err := w.dev.Read(addr.Uint32() - w.base)
		return uint16(val), err
	}
	return b.ram.ReadHalf(addr)
}

func (b *Bus) WriteHalf(addr memory.PhysAddr, val uint16) error {
	if w := b.find(addr); w != nil {
		return w.dev.Write(addr.Uint32()-w.base, uint32(val))
	}
	return b.ram.WriteHalf(addr, val)
}

func (b *Bus) ReadWord(addr memory.PhysAddr) (uint32, error) {
	if w := b.find(addr); w != nil {
		return w.dev.Read(addr.Uint32() - w.base)
	}
	return b.ram.ReadWord(addr)
}

func (b *Bus) WriteWord(addr memory.PhysAddr, val uint32) error {
	if w := b.find(addr); w != nil {
		return w.dev.Write(addr.Uint32()-w.base, val)
	}
	return b.ram.WriteWord(addr, val)
}
