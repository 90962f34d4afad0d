package device

import (
	"fmt"
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
)

// Console is a VGA-text-mode-ish display: a single logical output sink that the host's console
// bridge listens to. Grounded on the teacher's Display device (a data register plus a notify-all
// listener list), generalized from a single character register to an 80x25 cell buffer; it keeps
// the teacher's direct listener callbacks (Listen).
type Console struct {
	mut sync.Mutex

	cols, rows int
	cells      []byte // cols*rows, one byte per cell (character only; attribute byte is not modeled).
	cursorX    int
	cursorY    int

	listeners []func(MessageDisplay)
}

// MessageDisplay describes a single cell update, delivered to listeners registered with Listen.
type MessageDisplay struct {
	X, Y int
	Char byte
}

const (
	defaultCols = 80
	defaultRows = 25
)

// NewConsole creates an 80x25 text console, cleared to spaces.
func NewConsole() *Console {
	c := &Console{cols: defaultCols, rows: defaultRows}
	c.cells = make([]byte, c.cols*c.rows)

	for i := range c.cells {
		c.cells[i] = ' '
	}

	return c
}

// Attach registers the console's handler on the console control bus (key presses, view switches,
// and start/kill requests forwarded from the host).
func (c *Console) Attach(consoleBus *bus.Bus[*bus.MessageConsole]) {
	consoleBus.Register("console", c.handleConsole)
}

func (c *Console) handleConsole(msg *bus.MessageConsole) bool {
	// The text buffer itself is written through WriteCell (invoked by the VGA MMIO/port-IO
	// handler, not this bus); this bus only carries host-originated control events.
	switch msg.Op {
	case bus.ConsoleKey, bus.ConsoleSwitchView, bus.ConsoleStart, bus.ConsoleKill:
		return true
	default:
		return false
	}
}

// WriteCell sets the character at (x, y) and notifies listeners.
func (c *Console) WriteCell(x, y int, ch byte) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if x < 0 || x >= c.cols || y < 0 || y >= c.rows {
		return
	}

	c.cells[y*c.cols+x] = ch
	c.notify(MessageDisplay{X: x, Y: y, Char: ch})
}

func (c *Console) notify(msg MessageDisplay) {
	for _, fn := range c.listeners {
		fn(msg)
	}
}

// Listen registers a callback invoked on every WriteCell.
func (c *Console) Listen(fn func(MessageDisplay)) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.listeners = append(c.listeners, fn)
}

// Cell returns the character at (x, y).
func (c *Console) Cell(x, y int) byte {
	c.mut.Lock()
	defer c.mut.Unlock()

	if x < 0 || x >= c.cols || y < 0 || y >= c.rows {
		return 0
	}

	return c.cells[y*c.cols+x]
}

func (c *Console) String() string {
	c.mut.Lock()
	defer c.mut.Unlock()

	return fmt.Sprintf("Console(%dx%d,cursor:%d,%d)", c.cols, c.rows, c.cursorX, c.cursorY)
}
