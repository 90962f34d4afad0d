package device

import (
	"testing"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/nulstack/corevisor/internal/bus"
)

func TestGSIForwarderAssertsOnPIC(t *testing.T) {
	pic := NewPIC(0x20)
	source := NewChanGSISource(4)

	f := NewGSIForwarder(pic, nil, source)
	if err := f.Start(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.Send(GSIEvent{Line: 5, Assert: true})

	deadline := time.Now().Add(time.Second)
	for !pic.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for PIC to observe the asserted line")
		}

		time.Sleep(time.Millisecond)
	}

	source.Send(GSIEvent{Line: 5, Assert: false})

	deadline = time.Now().Add(time.Second)
	for pic.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for PIC to observe the deasserted line")
		}

		time.Sleep(time.Millisecond)
	}

	if err := f.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestGSIForwarderAttachesLinesBeforeStarting(t *testing.T) {
	requests := bus.New[*bus.MessageHostOp]("hostop", bus.LIFO)

	var attached []uint64

	requests.Register("root-task", func(msg *bus.MessageHostOp) bool {
		if msg.Op != bus.HostOpAttachIRQ {
			return false
		}

		attached = append(attached, msg.Arg1)
		msg.Success = true

		return true
	})

	pic := NewPIC(0x20)
	host := NewHostOpClient(requests)
	source := NewChanGSISource(1)

	f := NewGSIForwarder(pic, host, source)
	if err := f.Start(3, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Stop()

	if len(attached) != 2 || attached[0] != 3 || attached[1] != 7 {
		t.Fatalf("got attached lines %v, want [3 7]", attached)
	}
}

func TestGSIForwarderAttachFailureStopsBeforeStart(t *testing.T) {
	requests := bus.New[*bus.MessageHostOp]("hostop", bus.LIFO)
	requests.Register("root-task", func(msg *bus.MessageHostOp) bool {
		msg.Success = false
		return true
	})

	pic := NewPIC(0x20)
	host := NewHostOpClient(requests)
	source := NewChanGSISource(1)

	f := NewGSIForwarder(pic, host, source)
	if err := f.Start(1); err == nil {
		t.Fatal("expected an error when the root task refuses to attach the line")
	}

	if err := f.Err(); err != tomb.ErrStillAlive {
		t.Fatalf("worker should never have started, got Err() = %v", err)
	}
}

func TestGSIForwarderExitsWhenSourceCloses(t *testing.T) {
	pic := NewPIC(0x20)
	source := NewChanGSISource(1)

	f := NewGSIForwarder(pic, nil, source)
	if err := f.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.Close()

	if err := f.Stop(); err != nil {
		t.Fatalf("unexpected error after source closed: %v", err)
	}
}
