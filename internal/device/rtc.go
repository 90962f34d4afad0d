package device

import (
	"sync"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

// RTC models the legacy MC146818-style real-time clock: index port 0x70, data port 0x71, reading
// the host's wall clock on demand rather than maintaining its own ticking registers.
type RTC struct {
	mut   sync.Mutex
	index uint8
	now   func() time.Time // overridable for tests.
}

// NewRTC creates an RTC that reads the host wall clock.
func NewRTC() *RTC {
	return &RTC{now: time.Now}
}

const (
	rtcIndexPort = uint16(0x70)
	rtcDataPort  = uint16(0x71)
)

// RTC register indices (BCD-encoded, as the real chip returns them by default).
const (
	rtcSeconds = 0x00
	rtcMinutes = 0x02
	rtcHours   = 0x04
	rtcWeekday = 0x06
	rtcDay     = 0x07
	rtcMonth   = 0x08
	rtcYear    = 0x09
	rtcStatusA = 0x0a
	rtcStatusB = 0x0b
)

// Attach registers the RTC's ports on io.
func (r *RTC) Attach(io *bus.Bus[*bus.MessagePortIO]) {
	io.Register("rtc", r.handlePortIO)
}

func (r *RTC) handlePortIO(msg *bus.MessagePortIO) bool {
	switch msg.Port {
	case rtcIndexPort:
		if !msg.In {
			r.mut.Lock()
			r.index = uint8(msg.Value) & 0x7f
			r.mut.Unlock()
		}

		return true

	case rtcDataPort:
		r.mut.Lock()
		index := r.index
		r.mut.Unlock()

		if msg.In {
			msg.Value = uint32(r.read(index))
		}
		// Writes (e.g. setting the clock) are accepted and discarded; nothing downstream depends
		// on a guest-settable wall clock.

		return true

	default:
		return false
	}
}

func (r *RTC) read(index uint8) uint8 {
	t := r.now()

	switch index {
	case rtcSeconds:
		return toBCD(t.Second())
	case rtcMinutes:
		return toBCD(t.Minute())
	case rtcHours:
		return toBCD(t.Hour())
	case rtcWeekday:
		return toBCD(int(t.Weekday()) + 1)
	case rtcDay:
		return toBCD(t.Day())
	case rtcMonth:
		return toBCD(int(t.Month()))
	case rtcYear:
		return toBCD(t.Year() % 100)
	case rtcStatusA:
		return 0 // Update-in-progress bit always clear: reads never straddle a tick in this model.
	case rtcStatusB:
		return 0 // BCD mode, 24-hour mode (both zero bits in register B's convention).
	default:
		return 0
	}
}

func toBCD(v int) uint8 {
	return uint8((v/10)<<4 | (v % 10))
}
