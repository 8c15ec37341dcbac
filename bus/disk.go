package bus

import (
	"encoding/binary"
	"io"
	"os"
)

// Block device register layout. The guest programs a sector number, writes
// a command, and exchanges data through the sector buffer window mapped
// after the registers.
const (
	DiskBase = 0x2000_0000
	DiskSize = 0x1000

	DiskRegStatus  = 0x00
	DiskRegCommand = 0x04
	DiskRegSector  = 0x08
	DiskBufOffset  = 0x100

	DiskCmdRead  = 1
	DiskCmdWrite = 2

	SectorSize = 512
)

// Disk is a file-backed block device with a one-sector internal buffer.
// Commands complete synchronously; the completion interrupt is raised on
// the following tick.
type Disk struct {
	file       *os.File
	sector     uint32
	buffer     [SectorSize]byte
	irqPending bool
}

// NewDisk opens (or creates) the backing image file.
func NewDisk(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Disk{file: f}, nil
}

func (d *Disk) Name() string { return "disk0" }

// Close releases the backing file.
func (d *Disk) Close() error {
	return d.file.Close()
}

func (d *Disk) Read(offset uint32) (uint32, error) {
	if offset >= DiskBufOffset && offset < DiskBufOffset+SectorSize {
		idx := offset - DiskBufOffset
		if idx+4 > SectorSize {
			return 0, &InvalidOffsetError{Offset: offset}
		}
		return binary.LittleEndian.Uint32(d.buffer[idx:]), nil
	}

	switch offset {
	case DiskRegStatus:
		// commands complete synchronously, so the controller is
		// always ready
		return 0, nil
	case DiskRegSector:
		return d.sector, nil
	}
	return 0, nil
}

func (d *Disk) Write(offset uint32, value uint32) error {
	if offset >= DiskBufOffset && offset < DiskBufOffset+SectorSize {
		idx := offset - DiskBufOffset
		if idx+4 > SectorSize {
			return &InvalidOffsetError{Offset: offset}
		}
		binary.LittleEndian.PutUint32(d.buffer[idx:], value)
		return nil
	}

	switch offset {
	case DiskRegSector:
		d.sector = value
	case DiskRegCommand:
		return d.command(value)
	}
	return nil
}

func (d *Disk) command(cmd uint32) error {
	pos := int64(d.sector) * SectorSize

	switch cmd {
	case DiskCmdRead:
		n, err := d.file.ReadAt(d.buffer[:], pos)
		if err != nil && err != io.EOF {
			return &IOError{Device: d.Name(), Err: err}
		}
		// reading past the end of the image yields zeroes
		for i := n; i < SectorSize; i++ {
			d.buffer[i] = 0
		}
		d.irqPending = true
	case DiskCmdWrite:
		if _, err := d.file.WriteAt(d.buffer[:], pos); err != nil {
			return &IOError{Device: d.Name(), Err: err}
		}
		d.irqPending = true
	}
	return nil
}

func (d *Disk) Tick() (*Interrupt, error) {
	if d.irqPending {
		d.irqPending = false
		return &Interrupt{Device: d.Name(), IRQ: 2}, nil
	}
	return nil, nil
}
