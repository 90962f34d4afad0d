package vcpu

import (
	"testing"
	"unsafe"

	"github.com/nulstack/corevisor/internal/bus"
)

func newTestVCPU() *VCPU {
	region := bus.New[*bus.MessageMemoryRegion]("region", bus.LIFO)
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)

	return New(0, region, biosBus)
}

// newBackedRegionBus answers MessageMemoryRegion lookups against a real host-allocated buffer
// (unlike tlb_test.go's newStubRegionBus, which hands out a fake, non-dereferenceable pointer),
// so Step's real fetch path has actual bytes to read.
func newBackedRegionBus(mem []byte) *bus.Bus[*bus.MessageMemoryRegion] {
	region := bus.New[*bus.MessageMemoryRegion]("region", bus.LIFO)
	region.Register("ram", func(msg *bus.MessageMemoryRegion) bool {
		if msg.Phys >= uint64(len(mem)) {
			return false
		}

		msg.Host = uintptr(unsafe.Pointer(&mem[msg.Phys]))
		msg.Pages = uint64(len(mem)-int(msg.Phys)) / 4096

		return true
	})

	return region
}

func TestResetIsDeterministic(t *testing.T) {
	v := newTestVCPU()
	first := v.Regs

	v.Regs.RAX = 0xdeadbeef
	v.Reset()

	if v.Regs != first {
		t.Fatalf("reset state diverged: got %+v, want %+v", v.Regs, first)
	}

	if v.Regs.RIP != 0xfff0 {
		t.Fatalf("RIP = %#x, want 0xfff0", v.Regs.RIP)
	}
}

func TestRaiseAndExitDeliversReset(t *testing.T) {
	v := newTestVCPU()
	v.Regs.RAX = 0x1234

	v.Raise(EventReset)

	won := v.Exit()
	if won != EventReset {
		t.Fatalf("got %s, want RESET", won)
	}

	if v.Regs.RAX != 0 {
		t.Fatalf("RAX survived reset: %#x", v.Regs.RAX)
	}

	if v.Events.Pending() != EventNone {
		t.Fatalf("RESET not cleared after delivery")
	}
}

func TestInitThenSIPISequence(t *testing.T) {
	v := newTestVCPU()

	v.Raise(EventInit)
	v.Exit()

	if v.Activity != ActivityWaitForSIPI {
		t.Fatalf("activity = %s, want wait-for-sipi", v.Activity)
	}

	v.Injection = Injection{sipiVector: 0x20}
	v.Raise(EventSIPI)
	v.Exit()

	if v.Activity != ActivityRunning {
		t.Fatalf("activity = %s, want running", v.Activity)
	}

	if v.Regs.CS.Base != 0x20<<12 {
		t.Fatalf("CS base = %#x, want %#x", v.Regs.CS.Base, uint64(0x20)<<12)
	}
}

func TestMaskableInterruptGatedByIF(t *testing.T) {
	v := newTestVCPU()
	v.Regs.RFlags &^= RFlagsIF // IF = 0.

	v.Raise(EventINTR)

	if won := v.Exit(); won != EventNone {
		t.Fatalf("got %s, want NONE while IF=0", won)
	}

	v.Regs.RFlags |= RFlagsIF

	if won := v.Exit(); won != EventINTR {
		t.Fatalf("got %s, want INTR once IF=1", won)
	}
}

func TestPendingInjectionBlocksNMI(t *testing.T) {
	v := newTestVCPU()
	v.Injection = NewInjection(14, InjectionTypeHWException, true, 0)

	v.Raise(EventNMI)

	if won := v.Exit(); won != EventNone {
		t.Fatalf("got %s, want NONE while an injection is already pending", won)
	}
}

func TestHaltThenWake(t *testing.T) {
	v := newTestVCPU()
	v.Halt()

	if v.Activity != ActivityHalted {
		t.Fatal("expected halted")
	}

	v.Regs.RFlags |= RFlagsIF // EXTINT is maskable; IF=0 would keep it pending.
	v.Raise(EventEXTINT)
	v.Exit()

	if v.Activity != ActivityRunning {
		t.Fatalf("activity = %s, want running after EXTINT wake", v.Activity)
	}
}

func TestStepFetchesDecodesAndExecutes(t *testing.T) {
	mem := make([]byte, 4096)
	mem[0] = 0x01 // ADD r/m32, r32, ModRM 0xd8 (reg=011=EBX, rm=000=EAX): EAX += EBX.
	mem[1] = 0xd8

	region := newBackedRegionBus(mem)
	biosBus := bus.New[*MessageBios]("bios", bus.LIFO)

	v := New(0, region, biosBus)
	v.Regs.CS.Base = 0
	v.Regs.RIP = 0
	v.Regs.RAX = 5
	v.Regs.RBX = 7

	if err := v.Step(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RAX != 12 {
		t.Fatalf("RAX = %d, want 12", v.Regs.RAX)
	}

	if v.Regs.RIP != 2 {
		t.Fatalf("RIP = %d, want 2", v.Regs.RIP)
	}
}

func TestStepIsANoOpWhenNotRunning(t *testing.T) {
	v := newTestVCPU()
	v.Halt()

	if err := v.Step(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RIP != 0xfff0 {
		t.Fatalf("RIP advanced while halted: %#x", v.Regs.RIP)
	}
}

func TestRaiseFaultFirstExceptionDeliversUncollapsed(t *testing.T) {
	v := newTestVCPU()

	v.RaiseFault(Fault{Vector: FaultPageFault, Error: PFPresent})

	if !v.Injection.Valid() {
		t.Fatal("expected a pending injection after the first fault")
	}

	if v.Injection.Vector() != uint8(FaultPageFault) {
		t.Fatalf("got vector %d, want page fault (no prior injection to collapse against)", v.Injection.Vector())
	}
}

func TestRaiseFaultCollapsesPageFaultDuringPageFault(t *testing.T) {
	v := newTestVCPU()

	v.RaiseFault(Fault{Vector: FaultPageFault, Error: PFPresent})
	v.RaiseFault(Fault{Vector: FaultPageFault, Error: PFPresent | PFWrite})

	if v.Injection.Vector() != uint8(FaultDoubleFault) {
		t.Fatalf("got vector %d, want double fault", v.Injection.Vector())
	}
}

func TestRaiseFaultDuringDoubleFaultResetsVCPU(t *testing.T) {
	v := newTestVCPU()
	v.Regs.RAX = 0xdeadbeef

	v.RaiseFault(Fault{Vector: FaultPageFault})
	v.RaiseFault(Fault{Vector: FaultPageFault}) // collapses to a double fault.
	v.RaiseFault(Fault{Vector: FaultGeneralProtect}) // arrives while the double fault is in flight.

	if v.Regs.RAX != 0 {
		t.Fatalf("expected a reset after the triple fault, RAX = %#x", v.Regs.RAX)
	}

	if v.Injection.Valid() {
		t.Fatal("a reset must clear any pending injection")
	}
}
