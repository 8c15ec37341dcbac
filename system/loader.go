package system

import (
	"fmt"

	"rv32/memory"
)

// Segment is one contiguous region of a program image. Data shorter than
// Size leaves the tail zeroed, which is how bss is expressed.
type Segment struct {
	Start memory.VirtAddr
	Size  uint32
	Data  []byte

	R, W, X bool
}

// Image is a loadable program: entry point plus segments.
type Image struct {
	Entry    memory.VirtAddr
	Segments []Segment
}

// LoadImage copies the image segments into RAM and points the PC at the
// entry. Segment addresses are interpreted physically; translation, if any,
// is kernel business set up afterwards. A segment that does not fit in RAM
// is a construction error, reported before anything is copied.
func (vm *VM) LoadImage(img Image) error {
	ram := vm.Bus.RAM()

	for i, seg := range img.Segments {
		if uint32(len(seg.Data)) > seg.Size {
			return fmt.Errorf("segment %d: data larger than segment size", i)
		}
		end := uint64(seg.Start.Uint32()) + uint64(seg.Size)
		if end > uint64(ram.Size()) {
			return fmt.Errorf("segment %d at %v: %d bytes exceed memory size %d",
				i, seg.Start, seg.Size, ram.Size())
		}
	}

	for _, seg := range img.Segments {
		if err := ram.Load(memory.PhysAddr(seg.Start.Uint32()), seg.Data); err != nil {
			return err
		}
	}

	vm.CPU.PC = img.Entry.Uint32()
	vm.log.WithField("entry", img.Entry.String()).Info("image loaded")
	return nil
}
