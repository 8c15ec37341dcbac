package memory

import (
	"encoding/binary"
	"fmt"
)

// PageSize is fixed by the Sv32 translation scheme.
const PageSize = 4096

// PhysAddr is an address in the physical address space. Only the bus and
// the RAM store dereference it; everything above works on virtual addresses
// and goes through the MMU.
type PhysAddr uint32

// VirtAddr is an address in the guest virtual address space. It cannot be
// dereferenced without a translation.
type VirtAddr uint32

// PhysPageNum identifies a physical frame.
type PhysPageNum uint32

// VirtPageNum identifies a virtual page.
type VirtPageNum uint32

func (a PhysAddr) Uint32() uint32 { return uint32(a) }
func (a VirtAddr) Uint32() uint32 { return uint32(a) }

// PageNum returns the frame this address falls into.
func (a PhysAddr) PageNum() PhysPageNum { return PhysPageNum(a >> 12) }

// PageNum returns the virtual page this address falls into.
func (a VirtAddr) PageNum() VirtPageNum { return VirtPageNum(a >> 12) }

// PageOffset returns the low 12 bits of the address.
func (a VirtAddr) PageOffset() uint32 { return uint32(a) & (PageSize - 1) }

// Addr returns the base address of the frame.
func (p PhysPageNum) Addr() PhysAddr { return PhysAddr(p << 12) }

func (a PhysAddr) String() string { return fmt.Sprintf("PA %#08x", uint32(a)) }
func (a VirtAddr) String() string { return fmt.Sprintf("VA %#08x", uint32(a)) }

// OutOfBoundsError reports an access outside the backing store.
type OutOfBoundsError struct {
	Addr PhysAddr
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("memory access out of bounds: %#x", uint32(e.Addr))
}

// Memory is the physical access contract shared by the flat RAM store and
// the device bus sitting in front of it. All multi-byte accesses are
// little-endian.
type Memory interface {
	ReadByte(addr PhysAddr) (byte, error)
	WriteByte(addr PhysAddr, val byte) error
	ReadHalf(addr PhysAddr) (uint16, error)
	WriteHalf(addr PhysAddr, val uint16) error
	ReadWord(addr PhysAddr) (uint32, error)
	WriteWord(addr PhysAddr, val uint32) error
}

// RAM is a bounds-checked flat byte store.
type RAM struct {
	cells []byte
}

// NewRAM allocates size bytes of zeroed physical memory.
func NewRAM(size uint32) *RAM {
	return &RAM{cells: make([]byte, size)}
}

// Size returns the configured memory size in bytes.
func (r *RAM) Size() uint32 { return uint32(len(r.cells)) }

func (r *RAM) check(addr PhysAddr, width uint32) error {
	if uint64(addr)+uint64(width) > uint64(len(r.cells)) {
		return &OutOfBoundsError{Addr: addr}
	}
	return nil
}

func (r *RAM) ReadByte(addr PhysAddr) (byte, error) {
	if err := r.check(addr, 1); err != nil {
		return 0, err
	}
	return r.cells[addr], nil
}

func (r *RAM) WriteByte(addr PhysAddr, val byte) error {
	if err := r.check(addr, 1); err != nil {
		return err
	}
	r.cells[addr] = val
	return nil
}

func (r *RAM) ReadHalf(addr PhysAddr) (uint16, error) {
	if err := r.check(addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.cells[addr:]), nil
}

func (r *RAM) WriteHalf(addr PhysAddr, val uint16) error {
	if err := r.check(addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.cells[addr:], val)
	return nil
}

func (r *RAM) ReadWord(addr PhysAddr) (uint32, error) {
	if err := r.check(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.cells[addr:]), nil
}

func (r *RAM) WriteWord(addr PhysAddr, val uint32) error {
	if err := r.check(addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.cells[addr:], val)
	return nil
}

// Load copies a program segment into physical memory.
func (r *RAM) Load(addr PhysAddr, data []byte) error {
	if uint64(addr)+uint64(len(data)) > uint64(len(r.cells)) {
		return &OutOfBoundsError{Addr: addr}
	}
	copy(r.cells[addr:], data)
	return nil
}
