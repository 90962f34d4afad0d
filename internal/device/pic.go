package device

import (
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
)

// PIC models a legacy 8259-style programmable interrupt controller: eight request lines, a mask
// register, and an in-service register recording acknowledged lines. An acknowledge picks the
// lowest-numbered unmasked pending line; the in-service register is not consulted, so a line in
// service does not hold back other lines.
type PIC struct {
	mut sync.Mutex

	irr uint8 // Interrupt request register: lines currently asserted.
	imr uint8 // Interrupt mask register: 1 bit masks that line.
	isr uint8 // In-service register: line currently being serviced.

	base uint8 // Vector base: line N maps to vector base+N.
}

// NewPIC creates a PIC whose vectors start at base.
func NewPIC(base uint8) *PIC {
	return &PIC{base: base}
}

// Attach registers the PIC on the legacy-event bus (to answer INTA acknowledge cycles; lines are
// raised and lowered through Assert and Deassert) and the
// port-IO bus (for the guest's mask-register and EOI accesses at the traditional 0x20/0x21 ports).
func (p *PIC) Attach(legacy *bus.Bus[*bus.MessageLegacy], io *bus.Bus[*bus.MessagePortIO]) {
	legacy.Register("pic", p.handleLegacy)
	io.Register("pic", p.handlePortIO)
}

func (p *PIC) handleLegacy(msg *bus.MessageLegacy) bool {
	if msg.Event != bus.LegacyINTA {
		return false
	}

	p.mut.Lock()
	defer p.mut.Unlock()

	line, ok := p.highestPendingLocked()
	if !ok {
		return false
	}

	p.isr |= 1 << line
	p.irr &^= 1 << line
	msg.Value = p.base + line

	return true
}

// Assert raises a request line (idempotent while already pending).
func (p *PIC) Assert(line uint8) {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.irr |= 1 << line
}

// Deassert lowers a request line.
func (p *PIC) Deassert(line uint8) {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.irr &^= 1 << line
}

// Pending reports whether any unmasked line is requesting service.
func (p *PIC) Pending() bool {
	p.mut.Lock()
	defer p.mut.Unlock()

	_, ok := p.highestPendingLocked()

	return ok
}

func (p *PIC) highestPendingLocked() (uint8, bool) {
	pending := p.irr &^ p.imr

	for line := uint8(0); line < 8; line++ {
		if pending&(1<<line) != 0 {
			return line, true
		}
	}

	return 0, false
}

const (
	picCommandPort = uint16(0x20)
	picDataPort    = uint16(0x21)

	picEOI = uint32(0x20) // Non-specific end-of-interrupt command.
)

func (p *PIC) handlePortIO(msg *bus.MessagePortIO) bool {
	switch msg.Port {
	case picDataPort:
		p.mut.Lock()
		if msg.In {
			msg.Value = uint32(p.imr)
		} else {
			p.imr = uint8(msg.Value)
		}
		p.mut.Unlock()

		return true

	case picCommandPort:
		if !msg.In && msg.Value == picEOI {
			p.mut.Lock()
			// Non-specific EOI: clear the lowest in-service bit.
			for line := uint8(0); line < 8; line++ {
				if p.isr&(1<<line) != 0 {
					p.isr &^= 1 << line
					break
				}
			}
			p.mut.Unlock()
		}

		return true

	default:
		return false
	}
}
