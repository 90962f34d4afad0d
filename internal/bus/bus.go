// Package bus implements the motherboard's message bus fabric: a family of statically typed
// buses, each an ordered list of device handlers dispatched in one of three disciplines. Devices
// never hold a pointer back to a motherboard; they are handed the bus handles they need at
// construction, avoiding the reference cycle a device-owns-motherboard-owns-device graph would
// otherwise create.
package bus

import (
	"fmt"
	"sync"

	"github.com/nulstack/corevisor/internal/log"
)

// Handler receives a message of type M and reports whether it claimed or consumed it. Handlers
// must not block indefinitely; only buses documented as blocking (host-op, BIOS) may suspend a
// handler.
type Handler[M any] func(M) bool

// Discipline selects how a Bus iterates its registered handlers.
type Discipline int

const (
	// LIFO iterates latest-registered-first and stops at the first handler that returns true.
	LIFO Discipline = iota

	// FIFO iterates oldest-registered-first, never stopping early; the send reports whether any
	// handler claimed the message.
	FIFO

	// RoundRobin resumes from a per-bus cursor; the first handler to return true advances the
	// cursor to just past itself, so the next send starts where this one left off.
	RoundRobin
)

func (d Discipline) String() string {
	switch d {
	case LIFO:
		return "LIFO"
	case FIFO:
		return "FIFO"
	case RoundRobin:
		return "round-robin"
	default:
		return "unknown"
	}
}

type entry[M any] struct {
	name    string
	handler Handler[M]
}

// Bus is a dynamic, ordered list of (device, handler) pairs carrying one payload kind. A Bus is
// safe for concurrent Send and Register calls; handlers themselves are run with the bus lock
// released so they may freely post to other buses.
type Bus[M any] struct {
	mut        sync.Mutex
	name       string
	discipline Discipline
	handlers   []entry[M]
	cursor     int

	log *log.Logger
}

// New creates an empty bus named name (used only for logging) dispatching with discipline.
func New[M any](name string, discipline Discipline) *Bus[M] {
	return &Bus[M]{
		name:       name,
		discipline: discipline,
		log:        log.DefaultLogger(),
	}
}

// Register attaches a named handler. Registration order matters for LIFO and round-robin
// dispatch: LIFO visits the most recently registered handler first, round-robin visits in
// registration order starting from its cursor.
func (b *Bus[M]) Register(name string, handler Handler[M]) {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.handlers = append(b.handlers, entry[M]{name: name, handler: handler})
}

// Unregister removes the first handler registered under name, if any.
func (b *Bus[M]) Unregister(name string) {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, e := range b.handlers {
		if e.name == name {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)

			if b.cursor > i {
				b.cursor--
			}

			return
		}
	}
}

// Send dispatches msg according to the bus's discipline and reports whether any handler claimed
// it.
func (b *Bus[M]) Send(msg M) bool {
	switch b.discipline {
	case FIFO:
		return b.sendFIFO(msg)
	case RoundRobin:
		return b.sendRoundRobin(msg)
	default:
		return b.sendLIFO(msg)
	}
}

func (b *Bus[M]) snapshot() []entry[M] {
	b.mut.Lock()
	defer b.mut.Unlock()

	out := make([]entry[M], len(b.handlers))
	copy(out, b.handlers)

	return out
}

func (b *Bus[M]) sendLIFO(msg M) bool {
	handlers := b.snapshot()

	for i := len(handlers) - 1; i >= 0; i-- {
		if handlers[i].handler(msg) {
			return true
		}
	}

	return false
}

func (b *Bus[M]) sendFIFO(msg M) bool {
	handlers := b.snapshot()

	claimed := false

	for _, e := range handlers {
		if e.handler(msg) {
			claimed = true
		}
	}

	return claimed
}

func (b *Bus[M]) sendRoundRobin(msg M) bool {
	handlers := b.snapshot()

	if len(handlers) == 0 {
		return false
	}

	b.mut.Lock()
	start := b.cursor % len(handlers)
	b.mut.Unlock()

	for i := 0; i < len(handlers); i++ {
		idx := (start + i) % len(handlers)

		if handlers[idx].handler(msg) {
			b.mut.Lock()
			b.cursor = (idx + 1) % len(handlers)
			b.mut.Unlock()

			return true
		}
	}

	return false
}

func (b *Bus[M]) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()

	return fmt.Sprintf("Bus(%s,%s,handlers:%d)", b.name, b.discipline, len(b.handlers))
}
