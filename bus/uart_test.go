package bus

import (
	"testing"

	"rv32/console"
)

func TestUARTTransmit(t *testing.T) {
	buf := console.NewBuffer()
	u := NewUART(buf)

	for _, b := range []byte("ok\n") {
		if err := u.Write(UARTRegTHR, uint32(b)); err != nil {
			t.Fatal(err)
		}
	}
	if buf.String() != "ok\n" {
		t.Errorf("expected %q on the console, got %q", "ok\n", buf.String())
	}

	// bytes above 0x7F go out raw, not as utf-8
	buf.Reset()
	if err := u.Write(UARTRegTHR, 0xFF); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "\xff" {
		t.Errorf("expected raw byte ff, got %q", got)
	}
}

func TestUARTReceive(t *testing.T) {
	u := NewUART(console.NewBuffer())

	lsr, _ := u.Read(UARTRegLSR)
	if lsr&lsrDataReady != 0 {
		t.Error("data ready without input")
	}
	if lsr&lsrTHREmpty == 0 {
		t.Error("transmitter should always be ready")
	}

	u.Feed([]byte{'h', 'i'})

	lsr, _ = u.Read(UARTRegLSR)
	if lsr&lsrDataReady == 0 {
		t.Error("data ready not set after feed")
	}

	b, _ := u.Read(UARTRegRBR)
	if b != 'h' {
		t.Errorf("expected h, got %c", b)
	}
	b, _ = u.Read(UARTRegRBR)
	if b != 'i' {
		t.Errorf("expected i, got %c", b)
	}

	lsr, _ = u.Read(UARTRegLSR)
	if lsr&lsrDataReady != 0 {
		t.Error("data ready set after draining")
	}
}

func TestUARTInterrupt(t *testing.T) {
	u := NewUART(console.NewBuffer())

	if irq, err := u.Tick(); err != nil || irq != nil {
		t.Fatalf("idle uart must not interrupt: %+v (%v)", irq, err)
	}

	u.Feed([]byte{'x'})

	irq, err := u.Tick()
	if err != nil || irq == nil {
		t.Fatalf("expected interrupt after feed: %v", err)
	}
	if irq.Device != "uart0" || irq.IRQ != 1 {
		t.Errorf("expected uart0 irq 1, got %+v", irq)
	}

	// one interrupt per feed, not per tick
	if irq, _ := u.Tick(); irq != nil {
		t.Errorf("expected no further interrupt, got %+v", irq)
	}
}
