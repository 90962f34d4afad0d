// Package device implements the emulated PC platform's device models: the collaborators that
// register handlers on the message buses in package bus. Each device owns no back-pointer to a
// motherboard; it is constructed with the bus handles it needs, avoiding a device-to-motherboard
// reference cycle.
package device

import (
	"fmt"
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
	"github.com/nulstack/corevisor/internal/log"
)

// PS/2 keyboard controller I/O ports.
const (
	PS2DataPort   uint16 = 0x60
	PS2StatusPort uint16 = 0x64
)

// Status register bit fields.
const (
	PS2Ready  = uint8(1 << 0) // Output buffer full: a scancode is waiting to be read.
	PS2Enable = uint8(1 << 1) // Interrupt enabled.
)

// PS2Keyboard is a hardwired PS/2 keyboard: the host console delivers keystrokes through Update,
// and the guest polls or is interrupted through the port-IO bus. Grounded on the teacher's
// Keyboard device (mutex plus sync.Cond pacing a single-scancode buffer), adapted from a direct
// memory-mapped register pair to port-IO bus messages.
type PS2Keyboard struct {
	mut   sync.Mutex
	empty *sync.Cond

	status uint8
	data   uint16

	log *log.Logger
}

// NewPS2Keyboard creates a keyboard with an empty buffer.
func NewPS2Keyboard() *PS2Keyboard {
	k := &PS2Keyboard{log: log.DefaultLogger()}
	k.empty = sync.NewCond(&k.mut)

	return k
}

// Attach registers the keyboard's port-IO handler on io, so the guest can poll the status register
// and read scancodes through the usual ports.
func (k *PS2Keyboard) Attach(io *bus.Bus[*bus.MessagePortIO]) {
	io.Register("ps2kbd", k.handlePortIO)
}

func (k *PS2Keyboard) handlePortIO(msg *bus.MessagePortIO) bool {
	switch msg.Port {
	case PS2StatusPort:
		k.mut.Lock()
		if msg.In {
			msg.Value = uint32(k.status)
		} else {
			k.status = uint8(msg.Value)
		}
		k.mut.Unlock()

		return true

	case PS2DataPort:
		k.mut.Lock()
		if msg.In {
			msg.Value = uint32(k.data)
			k.status &^= PS2Ready
			k.empty.Broadcast()
		}
		k.mut.Unlock()

		return true

	default:
		return false
	}
}

// InterruptRequested reports whether the keyboard has a pending scancode and interrupts enabled.
func (k *PS2Keyboard) InterruptRequested() bool {
	k.mut.Lock()
	defer k.mut.Unlock()

	return k.status&(PS2Ready|PS2Enable) == PS2Ready|PS2Enable
}

// Update delivers a host keystroke to the guest, blocking until the previous scancode has been
// consumed (status register's ready bit cleared).
func (k *PS2Keyboard) Update(key uint16) {
	k.mut.Lock()
	defer k.mut.Unlock()

	for k.status&PS2Ready != 0 {
		k.empty.Wait()
	}

	k.data = key
	k.status |= PS2Ready | PS2Enable
	k.empty.Broadcast()
}

// Wait blocks until a scancode becomes available and marks it consumed, without reading its
// value. It exists for callers that only need to synchronize with a keystroke's arrival, such as
// the console bridge's tests.
func (k *PS2Keyboard) Wait() {
	k.mut.Lock()
	defer k.mut.Unlock()

	for k.status&PS2Ready == 0 {
		k.empty.Wait()
	}

	k.status &^= PS2Ready
	k.empty.Broadcast()
}

func (k *PS2Keyboard) String() string {
	k.mut.Lock()
	defer k.mut.Unlock()

	return fmt.Sprintf("PS2Keyboard(status:%#02x,data:%#04x)", k.status, k.data)
}
