package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/k0kubun/pp/v3"
	"github.com/sirupsen/logrus"

	"rv32/bus"
	"rv32/console"
	"rv32/cpu"
	"rv32/logger"
	"rv32/memory"
	"rv32/system"
	"rv32/trap"
)

var (
	memSize   = flag.Uint("mem", 16*1024*1024, "memory size in bytes")
	paging    = flag.Bool("paging", false, "enable address translation")
	timerIval = flag.Uint64("timer", 0, "instructions between timer interrupts, 0 disables")
	diskImage = flag.String("disk", "", "block device image file")
	logFile   = flag.String("log", "", "log file, stderr if empty")
	debug     = flag.Bool("debug", false, "debug logging")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] program.bin\n", os.Args[0])
		os.Exit(2)
	}

	l := logger.New(*logFile)
	if *debug {
		l.SetLevel(logrus.DebugLevel)
	}

	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		log.Panicln("couldn't create gui:", err)
	}
	defer g.Close()

	g.SetManagerFunc(layout)

	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		log.Panicln(err)
	}

	g.Update(func(g *gocui.Gui) error {
		return startMachine(g, l, flag.Arg(0))
	})

	if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
		log.Panicln(err)
	}
}

// monitorHandler is the built-in trap policy for standalone runs: ecall and
// ebreak stop the machine, interrupts resume, everything else is fatal.
func monitorHandler(l *logrus.Logger) trap.Handler {
	return trap.HandlerFunc(func(cause trap.Cause, c *cpu.CPU, mem memory.Memory) (memory.VirtAddr, error) {
		switch cause.Kind {
		case trap.EnvironmentCallFromU, trap.EnvironmentCallFromS:
			return 0, trap.ErrHalt
		case trap.Breakpoint:
			return 0, trap.ErrBreakpoint
		case trap.TimerInterrupt, trap.ExternalInterrupt:
			l.WithField("cause", cause.String()).Debug("interrupt")
			return memory.VirtAddr(c.PC), nil
		}
		return 0, &trap.UnhandledError{Cause: cause}
	})
}

func startMachine(g *gocui.Gui, l *logrus.Logger, program string) error {
	statusView, err := g.View("status")
	if err != nil {
		return err
	}
	fmt.Fprintf(statusView, "starting rv32 machine, %d bytes of memory\n", *memSize)

	vm, err := system.New(system.Config{
		MemorySize:    uint32(*memSize),
		PagingEnabled: *paging,
		TimerInterval: *timerIval,
	}, monitorHandler(l), l)
	if err != nil {
		return err
	}

	uart := bus.NewUART(console.NewGui(g, "console"))
	if err := vm.Bus.AddDevice(bus.UARTBase, bus.UARTSize, uart); err != nil {
		return err
	}
	if *diskImage != "" {
		disk, err := bus.NewDisk(*diskImage)
		if err != nil {
			return err
		}
		defer disk.Close()
		if err := vm.Bus.AddDevice(bus.DiskBase, bus.DiskSize, disk); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(program)
	if err != nil {
		return err
	}
	img := system.Image{
		Entry: 0,
		Segments: []system.Segment{
			{Start: 0, Size: uint32(len(data)), Data: data, R: true, W: true, X: true},
		},
	}
	if err := vm.LoadImage(img); err != nil {
		return err
	}

	// keyboard goes to the uart receive queue
	if err := g.SetKeybinding("console", gocui.KeyEnter, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			uart.Feed([]byte{'\n'})
			return nil
		}); err != nil {
		return err
	}

	updateRegisters(vm, g)

	go func() {
		exit, err := vm.Run()
		if err != nil {
			l.WithError(err).Error("machine stopped")
		}
		if l.IsLevelEnabled(logrus.DebugLevel) {
			p := pp.New()
			p.SetColoringEnabled(false)
			l.Debug(p.Sprint(vm.CPU))
		}
		g.Update(func(g *gocui.Gui) error {
			v, err := g.View("status")
			if err != nil {
				return err
			}
			fmt.Fprintf(v, "machine exited: %s after %d instructions\n", exit, vm.Instret())
			return nil
		})
	}()

	return nil
}

// register display refresh, driven by a ticker; gocui only allows view
// updates through Update
func updateRegisters(vm *system.VM, g *gocui.Gui) {
	ticker := time.NewTicker(time.Second)

	go func() {
		for range ticker.C {
			g.Update(func(g *gocui.Gui) error {
				v, err := g.View("registers")
				if err != nil {
					return err
				}
				v.Clear()
				fmt.Fprintf(v, "%s <%s, %d instructions>",
					vm.CPU.DumpRegisters(), vm.State(), vm.Instret())
				return nil
			})
		}
	}()
}

func layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	// up -> guest console
	if v, err := g.SetView("console", 0, 0, maxX-1, maxY-14); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Console"
		if _, err := g.SetCurrentView("console"); err != nil {
			return err
		}
	}

	// middle -> register values
	if v, err := g.SetView("registers", 0, maxY-13, maxX-1, maxY-4); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Registers"
	}

	// down -> status
	if v, err := g.SetView("status", 0, maxY-3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Status"
	}
	return nil
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}
