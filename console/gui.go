package console

import (
	"fmt"

	"github.com/jroimartin/gocui"
)

// Gui renders guest output into a gocui view. gocui only allows view
// updates from inside Update, so writes are funneled through it.
type Gui struct {
	g    *gocui.Gui
	view string
}

// NewGui returns a console writing to the named view.
func NewGui(g *gocui.Gui, view string) *Gui {
	return &Gui{g: g, view: view}
}

// WriteConsole displays a string on the console view.
func (c *Gui) WriteConsole(msg string) error {
	c.g.Update(func(g *gocui.Gui) error {
		v, err := g.View(c.view)
		if err != nil {
			return err
		}
		fmt.Fprint(v, msg)
		return nil
	})
	return nil
}
