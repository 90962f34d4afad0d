// Package vcpu implements the virtual CPU core: the instruction cache and decoder, the memory
// TLB, the event queue and its priority cascade, fault injection and collapse, TSC modeling, and
// the BIOS re-entry trampoline. A VCPU owns none of the bus wiring directly -- callers hand it the
// buses it needs, the same construction-time-wiring discipline package device uses.
package vcpu

import (
	"sync"
	"sync/atomic"

	"github.com/nulstack/corevisor/internal/bus"
	"github.com/nulstack/corevisor/internal/log"
)

// Activity is the VCPU's run state, mirroring the kernel's own activity states for a virtual CPU.
type Activity int

const (
	ActivityRunning Activity = iota
	ActivityHalted
	ActivityWaitForSIPI
	ActivityShutdown
)

func (a Activity) String() string {
	switch a {
	case ActivityRunning:
		return "running"
	case ActivityHalted:
		return "halted"
	case ActivityWaitForSIPI:
		return "wait-for-sipi"
	case ActivityShutdown:
		return "shutdown"
	default:
		return "?"
	}
}

// Segment is a segment descriptor cache entry: base, limit, and access-rights byte, the form the
// decoder and TLB consult to determine addressing mode and privilege.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	AR       uint32 // Access-rights word; bits 0-3 = type, bit 4 = S, bits 5-6 = DPL, bit 7 = present.
}

// Registers is the guest register-file mirror the kernel and the emulator exchange across a
// VM-exit.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	RIP                uint64
	RFlags             uint64

	CR0, CR2, CR3, CR4 uint64
	DR0, DR1, DR2, DR3 uint64
	DR6, DR7           uint64

	CS, SS, DS, ES, FS, GS Segment
}

// MTD is the modified-transfer-descriptor bitmap: which register groups the kernel guarantees
// valid on entry to the emulator, and which the emulator must write back on exit.
type MTD uint32

const (
	MTDGPR MTD = 1 << iota
	MTDRIPLen
	MTDRFlags
	MTDSegments
	MTDCR
	MTDDR
	MTDTSC
	MTDInjection
	MTDStatus
)

// VCPU is a single virtual CPU: its register mirror, its MTD bitmap, activity state, event queue,
// TLB, instruction cache, and TSC offset.
type VCPU struct {
	mut sync.Mutex

	ID   int
	Regs Registers
	MTD  MTD

	Activity Activity

	// stiShadow is set immediately after STI/MOV-SS and cleared on the next instruction
	// boundary; a maskable interrupt is not delivered while it is set even if IF=1.
	stiShadow atomic.Bool

	Events    EventQueue
	TLB       *TLB
	ICache    *ICache
	Injection Injection
	TSC       TSCState

	decoder *Decoder
	bios    *BIOSTrampoline

	log *log.Logger
}

// New creates a VCPU numbered id, backed by the given memory-region bus for TLB walks and the
// given BIOS bus for real-mode INT interception.
func New(id int, region *bus.Bus[*bus.MessageMemoryRegion], biosBus *bus.Bus[*bus.MessageBios]) *VCPU {
	v := &VCPU{
		ID:      id,
		TLB:     NewTLB(region, FeatureNone),
		ICache:  NewICache(),
		decoder: NewDecoder(),
		bios:    NewBIOSTrampoline(biosBus),
		log:     log.DefaultLogger(),
	}

	v.Reset()

	return v
}

// Reset restores power-on-reset register state: CS = 0xf000 with base 0xffff0000 (the classic
// reset vector alias), RIP at the reset vector offset, CR0 with only the reserved-high bits set
// (real mode, paging disabled), and a fully cleared general-register file. Power-on-reset of a
// VCPU produces the same initial register state on every call, by construction.
func (v *VCPU) Reset() {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.resetLocked()
}

func (v *VCPU) resetLocked() {
	v.Regs = Registers{
		RIP: 0xfff0,
		CS:  Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff, AR: 0x9b},
		SS:  Segment{Limit: 0xffff, AR: 0x93},
		DS:  Segment{Limit: 0xffff, AR: 0x93},
		ES:  Segment{Limit: 0xffff, AR: 0x93},
		FS:  Segment{Limit: 0xffff, AR: 0x93},
		GS:  Segment{Limit: 0xffff, AR: 0x93},
		CR0: 0x60000010,
	}
	v.MTD = MTDGPR | MTDRIPLen | MTDRFlags | MTDSegments | MTDCR
	v.Activity = ActivityRunning
	v.Events.Clear(EventAll)
	v.Injection = Injection{}
	v.TSC = TSCState{}
	v.stiShadow.Store(false)
}

// Raise ORs ev into the pending-event word. Safe to call from any goroutine (IRQ handlers, IPI
// senders, the LAPIC model, the console kill command).
func (v *VCPU) Raise(ev Event) {
	v.Events.Raise(ev)
}

// Halt transitions the VCPU into the halted activity state; it returns to running when Exit
// delivers an EXTINT or INTR (which IF=0 or an STI shadow holds back), or on RESET or SIPI.
// Delivering an NMI or SMI leaves it halted.
func (v *VCPU) Halt() {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.Activity = ActivityHalted
}

// SetSTIShadow marks (or clears) the one-instruction interrupt-shadow window the decoder installs
// after STI and MOV-to-SS.
func (v *VCPU) SetSTIShadow(shadow bool) {
	v.stiShadow.Store(shadow)
}

// Exit runs one VM-exit's worth of event handling: prioritizes pending events and applies the
// winning one's effect to the register file and activity state. It returns the event that was
// actually delivered, or EventNone if nothing was pending.
func (v *VCPU) Exit() Event {
	v.mut.Lock()
	defer v.mut.Unlock()

	won := v.Events.Prioritize(PrioritizeInput{
		InjectionPending: v.Injection.Valid(),
		InterruptsOff:    v.Regs.RFlags&RFlagsIF == 0,
		STIShadow:        v.stiShadow.Load(),
		Halted:           v.Activity == ActivityHalted,
	})
	if won == EventNone {
		return EventNone
	}

	v.deliverLocked(won)

	if won != EventINTR {
		// INTR stays pending after delivery; only a reset or an explicit Events.Clear(EventINTR)
		// clears it, and no deassert message is modeled. Every other event clears on successful
		// delivery.
		v.Events.Clear(won)
	}

	return won
}

func (v *VCPU) deliverLocked(ev Event) {
	switch ev {
	case EventReset:
		v.resetLocked()
	case EventInit:
		v.Regs.RIP = 0
		v.Activity = ActivityWaitForSIPI
	case EventSIPI:
		if v.Activity != ActivityWaitForSIPI {
			return
		}

		vector := v.Injection.sipiVector
		v.Regs.CS = Segment{Selector: uint16(vector) << 8, Base: uint64(vector) << 12, Limit: 0xffff, AR: 0x9b}
		v.Regs.RIP = 0
		v.Activity = ActivityRunning
	case EventSMI:
		// Model-level only: no SMRAM state machine, just an acknowledged exit.
	case EventNMI:
		v.Injection = NewInjection(2, InjectionTypeNMI, false, 0)
	case EventEXTINT, EventINTR:
		if v.Activity == ActivityHalted {
			v.Activity = ActivityRunning
		}
	}
}

// RFlagsIF is the interrupt-enable flag bit in RFlags.
const RFlagsIF = 1 << 9

// IsRunning reports whether the VCPU is currently in the running activity state, safe to call
// concurrently with Step/Exit/the BIOS disk-wait resume goroutine.
func (v *VCPU) IsRunning() bool {
	v.mut.Lock()
	defer v.mut.Unlock()

	return v.Activity == ActivityRunning
}

// Step fetches, decodes, and executes exactly one instruction at the current CS:RIP: translate
// through the TLB, pull the fetch window off the region bus, decode (consulting the instruction
// cache), and dispatch the opcode handler -- running it inside the ASM-flags trampoline when the
// opcode demands it. A page fault encountered during fetch is raised through RaiseFault rather
// than returned bare, matching the collapse-table treatment every other fault gets.
func (v *VCPU) Step() error {
	v.mut.Lock()
	defer v.mut.Unlock()

	if v.Activity != ActivityRunning {
		return nil
	}

	linear := v.Regs.CS.Base + v.Regs.RIP

	phys, err := v.TLB.Translate(linear, false, v.Regs.CS.AR&3 != 0, true)
	if err != nil {
		if pf, ok := err.(*PageFault); ok {
			v.raiseFaultLocked(Fault{Vector: FaultPageFault, Error: pf.ErrorCode})
			return nil
		}

		return err
	}

	fetch, err := v.TLB.ReadBytes(phys, 15)
	if err != nil {
		return err
	}

	decoded, err := v.decoder.Decode(v.ICache, linear, v.Regs.CS.AR, fetch)
	if err != nil {
		return err
	}

	if decoded.Flags&OpcodeFlagASM != 0 {
		return runASMTrampoline(v, &decoded)
	}

	return decoded.Exec(v, &decoded)
}

// RaiseFault runs fault through the double/triple-fault collapse table against whatever fault is
// currently in flight (tracked via v.Injection), delivers the collapsed result as a hardware
// exception injection, and resets the VCPU outright on a triple-fault collapse.
func (v *VCPU) RaiseFault(fault Fault) {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.raiseFaultLocked(fault)
}

func (v *VCPU) raiseFaultLocked(fault Fault) {
	// Only collapse against a genuinely pending hardware exception: FaultVector(0) (#DE) is itself
	// a contributory vector, so treating "no injection pending" as an in-flight Fault{} would
	// spuriously collapse every first fault into a double fault.
	if v.Injection.Valid() && v.Injection.Type() == InjectionTypeHWException {
		inFlight := Fault{Vector: FaultVector(v.Injection.Vector())}

		result, triple := fault.Collapse(inFlight, fault)
		if triple {
			v.resetLocked()
			return
		}

		fault = result
	}

	v.Injection = NewInjection(uint8(fault.Vector), InjectionTypeHWException, fault.Error != 0, fault.Error)
}
