package device

import (
	"sync"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

// PIT models a legacy 8254-style programmable interval timer: channel 0 only, the one wired to
// IRQ 0. Counting is driven by a real host timer rather than by counting guest bus cycles, which
// is an adaptation -- the upstream device counts PIT-frequency ticks synchronously with guest
// execution; emulating that precisely is out of scope here.
type PIT struct {
	mut     sync.Mutex
	count   uint16
	latched uint16
	running bool
	stop    chan struct{}

	pic  *PIC
	line uint8
}

// NewPIT creates a PIT whose channel-0 output asserts line on pic when it fires.
func NewPIT(pic *PIC, line uint8) *PIT {
	return &PIT{pic: pic, line: line}
}

// PIT channel-0 and mode/command ports.
const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	pitFrequency = 1193182 // Hz, the legacy PIT input clock.
)

// Attach registers the PIT's ports on io.
func (p *PIT) Attach(io *bus.Bus[*bus.MessagePortIO]) {
	io.Register("pit", p.handlePortIO)
}

func (p *PIT) handlePortIO(msg *bus.MessagePortIO) bool {
	switch msg.Port {
	case pitCommand:
		if !msg.In {
			// A write latches the current count for a subsequent low/high byte read; mode bits are
			// otherwise unused since we don't model square-wave vs one-shot distinctly.
			p.mut.Lock()
			p.latched = p.count
			p.mut.Unlock()
		}

		return true

	case pitChannel0:
		p.mut.Lock()
		defer p.mut.Unlock()

		if msg.In {
			msg.Value = uint32(p.latched & 0xff)
			p.latched >>= 8
		} else {
			p.count = (p.count >> 8) | (uint16(msg.Value) << 8)
			p.rearmLocked()
		}

		return true

	default:
		return false
	}
}

// rearmLocked (re)starts the periodic timer at the programmed reload count. Must be called with
// mut held.
func (p *PIT) rearmLocked() {
	if p.running {
		close(p.stop)
	}

	if p.count == 0 {
		p.running = false
		return
	}

	period := time.Duration(int64(p.count) * int64(time.Second) / pitFrequency)
	p.stop = make(chan struct{})
	p.running = true

	stop := p.stop

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.pic.Assert(p.line)
			}
		}
	}()
}

// Stop halts the timer's background goroutine, if running.
func (p *PIT) Stop() {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.running {
		close(p.stop)
		p.running = false
	}
}
