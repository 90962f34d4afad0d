package device

import (
	"testing"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

func TestRTCReadsBCDSeconds(t *testing.T) {
	r := NewRTC()
	r.now = func() time.Time { return time.Date(2026, time.July, 30, 12, 34, 56, 0, time.UTC) }

	io := bus.New[*bus.MessagePortIO]("io", bus.LIFO)
	r.Attach(io)

	io.Send(&bus.MessagePortIO{Port: rtcIndexPort, In: false, Value: rtcSeconds})

	data := &bus.MessagePortIO{Port: rtcDataPort, In: true}
	io.Send(data)

	if data.Value != 0x56 {
		t.Fatalf("got %#x, want BCD 0x56", data.Value)
	}
}

func TestRTCReadsBCDYear(t *testing.T) {
	r := NewRTC()
	r.now = func() time.Time { return time.Date(2026, time.July, 30, 0, 0, 0, 0, time.UTC) }

	io := bus.New[*bus.MessagePortIO]("io", bus.LIFO)
	r.Attach(io)

	io.Send(&bus.MessagePortIO{Port: rtcIndexPort, In: false, Value: rtcYear})

	data := &bus.MessagePortIO{Port: rtcDataPort, In: true}
	io.Send(data)

	if data.Value != 0x26 {
		t.Fatalf("got %#x, want BCD 0x26", data.Value)
	}
}
