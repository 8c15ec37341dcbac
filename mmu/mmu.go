// Package mmu implements the Sv32 two-level page-table walk. The page
// tables live in guest physical memory and are walked in software; the
// supervisor points the walk at a root frame through the satp register.
package mmu

import (
	"rv32/cpu"
	"rv32/memory"
	"rv32/trap"
)

// AccessType is the kind of memory access being translated. Permission
// enforcement happens only here, at the virtual/physical boundary.
type AccessType int

const (
	Read AccessType = iota
	Write
	Execute
)

func (a AccessType) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return "execute"
}

// Page-table entry flag bits.
const (
	FlagV = 1 << 0 // valid
	FlagR = 1 << 1 // readable
	FlagW = 1 << 2 // writable
	FlagX = 1 << 3 // executable
	FlagU = 1 << 4 // user accessible
	FlagG = 1 << 5 // global
	FlagA = 1 << 6 // accessed
	FlagD = 1 << 7 // dirty
)

// ModeSv32 in satp bit 31 enables translation; the low 22 bits hold the
// physical page number of the root table.
const ModeSv32 = 1 << 31

// PTE is a 32-bit encoded page-table entry.
type PTE uint32

func (p PTE) Valid() bool      { return p&FlagV != 0 }
func (p PTE) Readable() bool   { return p&FlagR != 0 }
func (p PTE) Writable() bool   { return p&FlagW != 0 }
func (p PTE) Executable() bool { return p&FlagX != 0 }
func (p PTE) User() bool       { return p&FlagU != 0 }
func (p PTE) Accessed() bool   { return p&FlagA != 0 }
func (p PTE) Dirty() bool      { return p&FlagD != 0 }

// Leaf reports whether the entry maps a frame rather than pointing at the
// next table level.
func (p PTE) Leaf() bool { return p&(FlagR|FlagW|FlagX) != 0 }

// PPN returns the physical page number held in bits 31..10.
func (p PTE) PPN() memory.PhysPageNum { return memory.PhysPageNum(p >> 10) }

// NewPTE builds an entry from a frame and flag bits.
func NewPTE(ppn memory.PhysPageNum, flags uint32) PTE {
	return PTE(uint32(ppn)<<10 | flags)
}

// RootPPN extracts the root table frame from a satp value.
func RootPPN(satp uint32) memory.PhysPageNum {
	return memory.PhysPageNum(satp & 0x003F_FFFF)
}

func pageFault(access AccessType, addr memory.VirtAddr) *trap.Cause {
	switch access {
	case Read:
		return &trap.Cause{Kind: trap.LoadPageFault, Addr: addr}
	case Write:
		return &trap.Cause{Kind: trap.StorePageFault, Addr: addr}
	}
	return &trap.Cause{Kind: trap.InstructionPageFault, Addr: addr}
}

// Translate walks the two-level table rooted at satp and returns the
// physical address for addr under the requested access type and privilege.
// A nil cause means success; on success the leaf entry's accessed bit is
// set, plus the dirty bit for writes. Failed translations leave the tables
// untouched.
//
// With translation off (satp mode bit clear) or in machine mode the
// translation is the identity.
func Translate(addr memory.VirtAddr, access AccessType, satp uint32,
	mode cpu.Mode, mem memory.Memory) (memory.PhysAddr, *trap.Cause) {

	if satp&ModeSv32 == 0 || mode == cpu.Machine {
		return memory.PhysAddr(addr), nil
	}

	vpn1 := (addr.Uint32() >> 22) & 0x3FF
	vpn0 := (addr.Uint32() >> 12) & 0x3FF
	offset := addr.PageOffset()

	// level 1
	pteAddr1 := RootPPN(satp).Addr() + memory.PhysAddr(vpn1*4)
	raw1, err := mem.ReadWord(pteAddr1)
	if err != nil {
		return 0, &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	pte1 := PTE(raw1)

	if !pte1.Valid() {
		return 0, pageFault(access, addr)
	}

	if pte1.Leaf() {
		// 4MB superpage; the low half of its PPN must be zero
		if uint32(pte1.PPN())&0x3FF != 0 {
			return 0, pageFault(access, addr)
		}
		if cause := checkPermissions(pte1, access, mode, addr); cause != nil {
			return 0, cause
		}
		if cause := updateFlags(pte1, pteAddr1, access, addr, mem); cause != nil {
			return 0, cause
		}
		ppn1 := (uint32(pte1) >> 20) & 0xFFF
		return memory.PhysAddr(ppn1<<22 | vpn0<<12 | offset), nil
	}

	// level 0
	pteAddr0 := pte1.PPN().Addr() + memory.PhysAddr(vpn0*4)
	raw0, err := mem.ReadWord(pteAddr0)
	if err != nil {
		return 0, &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	pte0 := PTE(raw0)

	if !pte0.Valid() {
		return 0, pageFault(access, addr)
	}
	if !pte0.Leaf() {
		// neither leaf nor pointer is legal at the last level
		return 0, pageFault(access, addr)
	}
	if cause := checkPermissions(pte0, access, mode, addr); cause != nil {
		return 0, cause
	}
	if cause := updateFlags(pte0, pteAddr0, access, addr, mem); cause != nil {
		return 0, cause
	}

	return pte0.PPN().Addr() + memory.PhysAddr(offset), nil
}

// checkPermissions enforces the fixed order: user bit against privilege
// first, then the permission bit matching the access type. Validity is
// checked by the caller before.
func checkPermissions(pte PTE, access AccessType, mode cpu.Mode, addr memory.VirtAddr) *trap.Cause {
	switch mode {
	case cpu.User:
		if !pte.User() {
			return pageFault(access, addr)
		}
	case cpu.Supervisor:
		// supervisor must not touch user pages
		if pte.User() {
			return pageFault(access, addr)
		}
	}

	ok := false
	switch access {
	case Read:
		ok = pte.Readable()
	case Write:
		ok = pte.Writable()
	case Execute:
		ok = pte.Executable()
	}
	if !ok {
		return pageFault(access, addr)
	}
	return nil
}

// updateFlags sets the accessed bit, and the dirty bit on writes, as a side
// effect of a successful translation. The write-back only happens when a
// bit actually changes, so repeated translations are idempotent.
func updateFlags(pte PTE, pteAddr memory.PhysAddr, access AccessType,
	addr memory.VirtAddr, mem memory.Memory) *trap.Cause {

	updated := pte | FlagA
	if access == Write {
		updated |= FlagD
	}
	if updated == pte {
		return nil
	}
	if err := mem.WriteWord(pteAddr, uint32(updated)); err != nil {
		return &trap.Cause{Kind: trap.LoadAccessFault, Addr: addr}
	}
	return nil
}
