package device

import (
	"fmt"

	"gopkg.in/tomb.v2"
)

// GSIEvent is one host-side interrupt-line transition, the unit a GSISource produces and a
// GSIForwarder relays onto the guest's PIC.
type GSIEvent struct {
	Line   uint8
	Assert bool // false means the line is being deasserted (level-triggered lines only).
}

// GSISource is anything that produces host GSI transitions: a real host binding forwarding a
// kernel-delivered IRQ, or a fake used in tests to script a sequence of assertions.
type GSISource interface {
	Events() <-chan GSIEvent
}

// GSIForwarder runs a single host-to-guest interrupt-forwarding worker, the Go analogue of
// sigma0's do_gsi worker thread: one loop blocks on the source's event channel and relays every
// attached line's events onto the guest's PIC. Lines do not get a worker each.
type GSIForwarder struct {
	pic    *PIC
	host   *HostOpClient
	source GSISource

	t tomb.Tomb
}

// NewGSIForwarder builds a forwarder relaying events from source onto pic, using host to attach
// the lines with the root task before the worker starts.
func NewGSIForwarder(pic *PIC, host *HostOpClient, source GSISource) *GSIForwarder {
	return &GSIForwarder{pic: pic, host: host, source: source}
}

// Start attaches every line in lines with the root task and launches the forwarding worker under
// the tomb, returning once every AttachIRQ call has completed. The worker itself runs until Stop
// is called or the source's channel closes.
func (f *GSIForwarder) Start(lines ...uint8) error {
	for _, line := range lines {
		if f.host == nil {
			continue
		}

		if err := f.host.AttachIRQ(line); err != nil {
			return fmt.Errorf("device: gsi forwarder: attach line %d: %w", line, err)
		}
	}

	f.t.Go(f.run)

	return nil
}

func (f *GSIForwarder) run() error {
	events := f.source.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if ev.Assert {
				f.pic.Assert(ev.Line)
			} else {
				f.pic.Deassert(ev.Line)
			}

		case <-f.t.Dying():
			return tomb.ErrDying
		}
	}
}

// Stop kills the worker and waits for it to exit, returning its error if it died for a reason
// other than being asked to stop.
func (f *GSIForwarder) Stop() error {
	f.t.Kill(nil)
	return f.t.Wait()
}

// Err reports the worker's exit reason without blocking, mirroring tomb.Tomb.Err for callers that
// only want to poll.
func (f *GSIForwarder) Err() error {
	return f.t.Err()
}

// ChanGSISource is a GSISource fed by explicit Send calls, the shape both a production host
// binding (translating a delivered signal into a Send) and a test fake reduce to.
type ChanGSISource struct {
	events chan GSIEvent
}

// NewChanGSISource builds a source buffered to capacity so a producer never blocks on a
// slow-starting forwarder.
func NewChanGSISource(capacity int) *ChanGSISource {
	return &ChanGSISource{events: make(chan GSIEvent, capacity)}
}

// Send enqueues an event. It blocks only if the channel's capacity is exhausted.
func (s *ChanGSISource) Send(ev GSIEvent) {
	s.events <- ev
}

// Close signals no further events will arrive; the forwarder's worker exits cleanly once drained.
func (s *ChanGSISource) Close() {
	close(s.events)
}

// Events implements GSISource.
func (s *ChanGSISource) Events() <-chan GSIEvent {
	return s.events
}
