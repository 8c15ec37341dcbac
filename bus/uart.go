package bus

import (
	"rv32/console"
)

// UART register layout, 16550 style.
const (
	UARTBase = 0x1000_0000
	UARTSize = 0x100

	// RBR: receiver buffer (read), THR: transmitter holding (write),
	// LSR: line status.
	UARTRegRBR = 0x00
	UARTRegTHR = 0x00
	UARTRegLSR = 0x05

	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
)

// UART is the console device. Transmitted bytes go to the console sink
// synchronously inside Write; received bytes are queued with Feed and
// raise one external interrupt when they arrive.
type UART struct {
	cons       console.Console
	input      []byte
	irqPending bool
}

// NewUART returns a UART writing to the given console.
func NewUART(cons console.Console) *UART {
	return &UART{cons: cons}
}

func (u *UART) Name() string { return "uart0" }

// Feed queues keyboard input for the guest.
func (u *UART) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	u.input = append(u.input, data...)
	u.irqPending = true
}

func (u *UART) Read(offset uint32) (uint32, error) {
	switch offset {
	case UARTRegRBR:
		if len(u.input) == 0 {
			return 0, nil
		}
		b := u.input[0]
		u.input = u.input[1:]
		return uint32(b), nil
	case UARTRegLSR:
		status := uint32(lsrTHREmpty)
		if len(u.input) > 0 {
			status |= lsrDataReady
		}
		return status, nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint32, value uint32) error {
	if offset == UARTRegTHR {
		return u.cons.WriteConsole(string([]byte{byte(value)}))
	}
	return nil
}

func (u *UART) Tick() (*Interrupt, error) {
	if u.irqPending {
		u.irqPending = false
		return &Interrupt{Device: u.Name(), IRQ: 1}, nil
	}
	return nil, nil
}
