package vcpu

import (
	"sync"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

// biosStubSize is the length of the reset-vector trampoline the VBIOS installs: a small
// instruction window whose INT n calls are all routed through MessageBios rather than executed.
const biosStubSize = 16

// MessageBios is the bus payload the BIOS trampoline sends for each intercepted INT.
type MessageBios = bus.MessageBios

// BIOSTrampoline models the VBIOS's stub range: it decides whether an INT falls inside the stub,
// forwards it on biosBus, and manages the disk-BIOS HLT-wait/timeout/wake protocol for INT 13h
// calls that must block on an asynchronous disk commit.
type BIOSTrampoline struct {
	mut      sync.Mutex
	stubBase uint64
	bus      *bus.Bus[*MessageBios]
	waiting  map[int]chan bus.DiskStatus // keyed by VCPU ID.

	// diskReq, set by AttachDisk, routes INT 13h AH=02h/03h directly to the disk-request bus
	// instead of the generic biosBus forward. tagOwner tracks which VCPU is waiting on which
	// in-flight request's Tag so the disk-commit handler knows whom to wake.
	diskReq  *bus.Bus[*bus.MessageDiskRequest]
	tagOwner map[uint32]int
	nextTag  uint32
}

// NewBIOSTrampoline creates a trampoline whose stub starts at a default high address; callers
// needing a different base (e.g. to match a particular VBIOS image) use Relocate.
func NewBIOSTrampoline(biosBus *bus.Bus[*MessageBios]) *BIOSTrampoline {
	return &BIOSTrampoline{
		stubBase: 0xf0000,
		bus:      biosBus,
		waiting:  make(map[int]chan bus.DiskStatus),
		tagOwner: make(map[uint32]int),
	}
}

// AttachDisk wires the trampoline's simplified INT 13h disk fast path to the disk-request bus and
// registers a disk-commit handler that resolves the matching VCPU's disk wait.
func (t *BIOSTrampoline) AttachDisk(diskReq *bus.Bus[*bus.MessageDiskRequest], diskCommit *bus.Bus[*bus.MessageDiskCommit]) {
	t.mut.Lock()
	t.diskReq = diskReq
	t.mut.Unlock()

	diskCommit.Register("bios-trampoline", func(msg *bus.MessageDiskCommit) bool {
		t.mut.Lock()
		vcpuID, ok := t.tagOwner[msg.Tag]
		if ok {
			delete(t.tagOwner, msg.Tag)
		}
		t.mut.Unlock()

		if !ok {
			return false
		}

		t.CompleteDiskWait(vcpuID, msg.Status)

		return true
	})
}

// Relocate moves the stub's base address (e.g. when the VBIOS image is loaded at a non-default
// location).
func (t *BIOSTrampoline) Relocate(base uint64) {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.stubBase = base
}

// InStub reports whether a linear instruction pointer falls inside the trampoline's stub range.
func (t *BIOSTrampoline) InStub(linearIP uint64) bool {
	t.mut.Lock()
	defer t.mut.Unlock()

	return linearIP >= t.stubBase && linearIP < t.stubBase+biosStubSize
}

// Intercept routes vector: INT 13h AH=02h/03h go through the disk fast path (interceptDiskIO) when
// AttachDisk has wired one, and resolve asynchronously; everything else is delivered on biosBus,
// letting the handler rewrite the register mirror and flags, then RIP is advanced past a
// single-byte IRET the caller is expected to have placed at the end of the stub.
func (t *BIOSTrampoline) Intercept(v *VCPU, vector uint8) error {
	if vector == 0x13 {
		t.mut.Lock()
		diskReq := t.diskReq
		t.mut.Unlock()

		ah := uint8(v.Regs.RAX >> 8)
		if diskReq != nil && (ah == 0x02 || ah == 0x03) {
			return t.interceptDiskIO(v, diskReq, ah)
		}
	}

	return t.interceptGeneric(v, vector)
}

func (t *BIOSTrampoline) interceptGeneric(v *VCPU, vector uint8) error {
	msg := &MessageBios{Vector: vector, Regs: biosRegsView(&v.Regs)}

	t.bus.Send(msg)

	applyBiosRegsView(&v.Regs, msg.Regs)
	v.Regs.RIP++ // The trailing single-byte IRET.

	return nil
}

// interceptDiskIO implements INT 13h AH=02h (read) / AH=03h (write) directly against the
// disk-request bus, modeling the real HLT-wait a disk BIOS call makes: the VCPU halts immediately
// and a background waiter resumes it, with CF/AH patched per the commit's status, once the disk's
// DMA completes (or the wait times out).
//
// This is a simplified calling convention, not the real CHS-based INT 13h ABI: bus.BiosRegs
// carries no segment register for an ES:BX-style buffer pointer, so SI:DI here holds a flat
// 32-bit LBA (SI high, DI low) and BX the DMA buffer's guest-physical offset, with AL as the
// sector count.
func (t *BIOSTrampoline) interceptDiskIO(v *VCPU, diskReq *bus.Bus[*bus.MessageDiskRequest], ah uint8) error {
	op := bus.DiskRead
	if ah == 0x03 {
		op = bus.DiskWrite
	}

	al := uint8(v.Regs.RAX)
	lba := uint64(uint16(v.Regs.RSI))<<16 | uint64(uint16(v.Regs.RDI))
	dmaPhys := uint64(uint16(v.Regs.RBX))

	t.mut.Lock()
	tag := t.nextTag
	t.nextTag++
	t.tagOwner[tag] = v.ID
	t.mut.Unlock()

	diskReq.Send(&bus.MessageDiskRequest{
		Op:          op,
		Sector:      lba,
		Count:       uint(al),
		DMAPhys:     dmaPhys,
		DMABytesLen: uint64(al) * 512,
		Tag:         tag,
	})

	wait := t.BeginDiskWait(v.ID)
	v.Activity = ActivityHalted

	go func() {
		status := <-wait

		v.mut.Lock()
		applyDiskStatus(v, status)
		v.Activity = ActivityRunning
		v.Regs.RIP++ // The trailing single-byte IRET, now that the call has actually completed.
		v.mut.Unlock()
	}()

	return nil
}

// applyDiskStatus patches AH/CF per the classic INT 13h convention: CF=0 and AH=0 on success; CF=1
// and AH holding the status code otherwise. This bypasses the disk wait's timeout status
// (bus.DiskBusy) being anything special -- it just surfaces as a nonzero AH like any other error.
func applyDiskStatus(v *VCPU, status bus.DiskStatus) {
	var ah uint8

	var cf uint64

	if status != bus.DiskOK {
		ah = uint8(status)
		cf = 1
	}

	v.Regs.RAX = v.Regs.RAX&^0xff00 | uint64(ah)<<8
	v.Regs.RFlags = v.Regs.RFlags&^1 | cf
}

// diskWaitTimeout is the BIOS disk HLT-wait's timeout: an in-progress operation that hasn't
// committed within this window is marked failed and the guest is woken anyway.
const diskWaitTimeout = 5 * time.Second

// BeginDiskWait registers a wait channel for vcpuID and returns it; the caller (interceptDiskIO)
// is responsible for halting the VCPU before waiting on it. The wait resolves either when
// CompleteDiskWait is called (the normal disk-commit wake) or after diskWaitTimeout elapses, in
// which case the channel yields bus.DiskBusy to signal the forced-timeout case.
func (t *BIOSTrampoline) BeginDiskWait(vcpuID int) <-chan bus.DiskStatus {
	ch := make(chan bus.DiskStatus, 1)

	t.mut.Lock()
	t.waiting[vcpuID] = ch
	t.mut.Unlock()

	go func() {
		timer := time.NewTimer(diskWaitTimeout)
		defer timer.Stop()

		<-timer.C

		// Whichever of this goroutine and CompleteDiskWait removes the registration first wins;
		// the map lookup below guards against both firing.
		t.mut.Lock()
		w, ok := t.waiting[vcpuID]
		if ok && w == ch {
			delete(t.waiting, vcpuID)
		}
		t.mut.Unlock()

		if ok {
			ch <- bus.DiskBusy
		}
	}()

	return ch
}

// CompleteDiskWait delivers status to the waiting VCPU (if still waiting) and clears the wait
// registration. It is called by the disk-commit handler AttachDisk registers; no legacy IRQ line
// drives it.
func (t *BIOSTrampoline) CompleteDiskWait(vcpuID int, status bus.DiskStatus) {
	t.mut.Lock()
	defer t.mut.Unlock()

	ch, ok := t.waiting[vcpuID]
	if !ok {
		return
	}

	delete(t.waiting, vcpuID)
	ch <- status
}

func biosRegsView(r *Registers) *bus.BiosRegs {
	return &bus.BiosRegs{
		AX: uint16(r.RAX), BX: uint16(r.RBX), CX: uint16(r.RCX), DX: uint16(r.RDX),
		SI: uint16(r.RSI), DI: uint16(r.RDI),
		Flags: uint16(r.RFlags),
	}
}

func applyBiosRegsView(r *Registers, v *bus.BiosRegs) {
	r.RAX = r.RAX&^0xffff | uint64(v.AX)
	r.RBX = r.RBX&^0xffff | uint64(v.BX)
	r.RCX = r.RCX&^0xffff | uint64(v.CX)
	r.RDX = r.RDX&^0xffff | uint64(v.DX)
	r.RSI = r.RSI&^0xffff | uint64(v.SI)
	r.RDI = r.RDI&^0xffff | uint64(v.DI)
	r.RFlags = r.RFlags&^0xffff | uint64(v.Flags)
}
