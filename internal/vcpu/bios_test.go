package vcpu

import (
	"testing"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

func TestBIOSTrampolineInStubRange(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	tr := NewBIOSTrampoline(biosBus)

	if !tr.InStub(0xf0000) {
		t.Fatal("stub base should be in range")
	}

	if tr.InStub(0xf0000 + biosStubSize) {
		t.Fatal("one past the stub window should not be in range")
	}

	tr.Relocate(0x10000)

	if tr.InStub(0xf0000) {
		t.Fatal("old base should no longer be in range after Relocate")
	}

	if !tr.InStub(0x10000) {
		t.Fatal("new base should be in range after Relocate")
	}
}

func TestBIOSTrampolineInterceptRewritesRegsAndAdvancesRIP(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	biosBus.Register("handler", func(msg *MessageBios) bool {
		msg.Regs.AX = 0x00aa // Simulate a handler reporting success in AH.
		return true
	})

	tr := NewBIOSTrampoline(biosBus)
	v := newTestVCPU()
	v.Regs.RIP = 0xf0000
	v.Regs.RAX = 0xffffffff

	if err := tr.Intercept(v, 0x13); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RAX&0xffff != 0x00aa {
		t.Fatalf("got AX %#x, want 0x00aa", v.Regs.RAX&0xffff)
	}

	if v.Regs.RAX&^0xffff != 0xffff0000 {
		t.Fatalf("intercept must only patch the low 16 bits, got %#x", v.Regs.RAX)
	}

	if v.Regs.RIP != 0xf0001 {
		t.Fatalf("got RIP %#x, want 0xf0001 (past the trailing IRET)", v.Regs.RIP)
	}
}

func TestBIOSTrampolineDiskWaitCompletesNormally(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	tr := NewBIOSTrampoline(biosBus)

	ch := tr.BeginDiskWait(1)
	tr.CompleteDiskWait(1, bus.DiskOK)

	select {
	case status := <-ch:
		if status != bus.DiskOK {
			t.Fatalf("got %v, want DiskOK", status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the wait channel to resolve immediately after CompleteDiskWait")
	}
}

func TestBIOSTrampolineDiskWaitIgnoresUnknownVCPU(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	tr := NewBIOSTrampoline(biosBus)

	// No panic, no send: there is no registered waiter for VCPU 7.
	tr.CompleteDiskWait(7, bus.DiskOK)
}

// TestBIOSTrampolineDiskFastPathResumesOnSuccess exercises the INT 13h read path end to end: the
// VCPU halts on the call, a fake disk handler answers the request asynchronously, and the
// trampoline's disk-commit wake patches CF=0/AH=0 and resumes the VCPU past the trailing IRET.
func TestBIOSTrampolineDiskFastPathResumesOnSuccess(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	tr := NewBIOSTrampoline(biosBus)

	diskReq := bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO)
	diskCommit := bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO)

	diskReq.Register("fake-disk", func(req *bus.MessageDiskRequest) bool {
		go diskCommit.Send(&bus.MessageDiskCommit{Tag: req.Tag, Status: bus.DiskOK})
		return true
	})

	tr.AttachDisk(diskReq, diskCommit)

	v := newTestVCPU()
	v.Regs.RIP = 0xf0000
	v.Regs.RAX = 0x0201 // AH=02 (read), AL=1 sector.
	v.Regs.RBX = 0x2000 // DMA guest-physical offset.
	v.Regs.RSI, v.Regs.RDI = 0, 0 // LBA 0.

	if err := tr.Intercept(v, 0x13); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.IsRunning() {
		t.Fatal("expected the VCPU to halt while the disk request is in flight")
	}

	deadline := time.Now().Add(time.Second)
	for !v.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the disk fast path to resume the VCPU")
		}

		time.Sleep(time.Millisecond)
	}

	if v.Regs.RFlags&1 != 0 {
		t.Fatal("expected CF=0 on success")
	}

	if v.Regs.RAX&0xff00 != 0 {
		t.Fatalf("expected AH=0 on success, got RAX=%#x", v.Regs.RAX)
	}

	if v.Regs.RIP != 0xf0001 {
		t.Fatalf("got RIP %#x, want 0xf0001 (past the trailing IRET)", v.Regs.RIP)
	}
}

// TestBIOSTrampolineDiskFastPathResumesOnFailure covers the error branch of the same protocol: a
// non-OK commit status must surface as CF=1 with AH holding the status code.
func TestBIOSTrampolineDiskFastPathResumesOnFailure(t *testing.T) {
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)
	tr := NewBIOSTrampoline(biosBus)

	diskReq := bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO)
	diskCommit := bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO)

	diskReq.Register("fake-disk", func(req *bus.MessageDiskRequest) bool {
		go diskCommit.Send(&bus.MessageDiskCommit{Tag: req.Tag, Status: bus.DiskDevice})
		return true
	})

	tr.AttachDisk(diskReq, diskCommit)

	v := newTestVCPU()
	v.Regs.RIP = 0xf0000
	v.Regs.RAX = 0x0301 // AH=03 (write), AL=1 sector.
	v.Regs.RBX = 0x2000
	v.Regs.RSI, v.Regs.RDI = 0, 0

	if err := tr.Intercept(v, 0x13); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !v.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the disk fast path to resume the VCPU")
		}

		time.Sleep(time.Millisecond)
	}

	if v.Regs.RFlags&1 == 0 {
		t.Fatal("expected CF=1 on failure")
	}

	if uint8(v.Regs.RAX>>8) != uint8(bus.DiskDevice) {
		t.Fatalf("got AH %#x, want status code %#x", uint8(v.Regs.RAX>>8), uint8(bus.DiskDevice))
	}
}
