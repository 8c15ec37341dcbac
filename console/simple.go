package console

import (
	"os"
	"strings"
)

// Simple writes guest output straight to stdout.
type Simple struct{}

// NewSimple returns a stdout-backed console.
func NewSimple() *Simple {
	return &Simple{}
}

// WriteConsole displays a string on the console.
func (c *Simple) WriteConsole(msg string) error {
	_, err := os.Stdout.WriteString(msg)
	return err
}

// Buffer collects guest output in memory; used by tests and by the
// front-end to replay output into a view.
type Buffer struct {
	b strings.Builder
}

// NewBuffer returns an in-memory console.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// WriteConsole appends a string to the buffer.
func (c *Buffer) WriteConsole(msg string) error {
	c.b.WriteString(msg)
	return nil
}

// String returns everything written so far.
func (c *Buffer) String() string {
	return c.b.String()
}

// Reset discards the collected output.
func (c *Buffer) Reset() {
	c.b.Reset()
}
