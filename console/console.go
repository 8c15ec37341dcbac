// Package console provides the output sinks the emulated UART writes to:
// plain stdout for headless runs, a gocui view for the monitor front-end,
// and an in-memory buffer for tests.
package console

// Console is anything that can display guest output.
type Console interface {
	WriteConsole(msg string) error
}
