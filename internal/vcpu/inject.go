package vcpu

// InjectionType classifies a pending injection the way the VMCS/VMCB injection-info field does.
type InjectionType uint8

const (
	InjectionTypeExtInt InjectionType = iota
	InjectionTypeNMI
	InjectionTypeHWException
	InjectionTypeSWException
)

// Injection is the pending-injection word: a vector, its type, whether an error code accompanies
// it, and whether the word currently holds a valid entry at all.
type Injection struct {
	vector     uint8
	kind       InjectionType
	hasError   bool
	errorCode  uint32
	valid      bool
	sipiVector uint8 // Vector latched by a SIPI event, consumed by VCPU.deliverLocked.
}

// NewInjection builds a valid injection word.
func NewInjection(vector uint8, kind InjectionType, hasError bool, errorCode uint32) Injection {
	return Injection{vector: vector, kind: kind, hasError: hasError, errorCode: errorCode, valid: true}
}

// Valid reports whether the word currently holds a pending injection.
func (inj Injection) Valid() bool { return inj.valid }

// Vector, Type, and ErrorCode report the injection's fields; ErrorCode's second return is false if
// the injection carries no error code.
func (inj Injection) Vector() uint8 { return inj.vector }
func (inj Injection) Type() InjectionType { return inj.kind }
func (inj Injection) ErrorCode() (uint32, bool) { return inj.errorCode, inj.hasError }
func (inj Injection) Pending() bool { return inj.valid }

// Ack clears the injection word once the guest has consumed it (the corresponding IDT vector has
// been entered).
func (inj *Injection) Ack() { *inj = Injection{} }

// FaultVector enumerates the x86 exception vectors the collapse table cares about.
type FaultVector uint8

const (
	FaultPageFault      FaultVector = 14
	FaultDoubleFault    FaultVector = 8
	FaultGeneralProtect FaultVector = 13
	FaultInvalidTSS     FaultVector = 10
	FaultSegmentNotPres FaultVector = 11
	FaultStackFault     FaultVector = 12
)

// contributoryFaults is the set of exception vectors that contribute to a double fault when a
// second one arrives while the first is still being delivered, per the Intel collapse table
// (PF is its own special case: a PF or a contributory fault arriving during PF delivery collapses
// to a double fault, while a PF arriving during contributory-fault delivery does not).
var contributoryFaults = map[FaultVector]bool{
	0:                             true, // #DE divide error
	FaultInvalidTSS:               true,
	FaultSegmentNotPres:           true,
	FaultStackFault:               true,
	FaultGeneralProtect:           true,
}

// Fault represents a single fault event awaiting collapse-table evaluation against any fault
// already in flight.
type Fault struct {
	Vector FaultVector
	Error  uint32
}

// Collapse applies the double/triple-fault collapse table: given the fault already pending
// (inFlight) and a newly raised one (next), it returns the fault that actually gets delivered and
// whether the collapse escalated to a triple fault (in which case the caller must reset the VCPU
// rather than deliver anything).
func (f Fault) Collapse(inFlight Fault, next Fault) (result Fault, tripleFault bool) {
	switch {
	case inFlight.Vector == FaultDoubleFault:
		// A fault arriving while a double-fault is already being delivered is the triple-fault
		// case: the VCPU resets rather than delivering anything further.
		return Fault{}, true

	case inFlight.Vector == FaultPageFault && (next.Vector == FaultPageFault || contributoryFaults[next.Vector]):
		return Fault{Vector: FaultDoubleFault, Error: 0}, false

	case contributoryFaults[inFlight.Vector] && contributoryFaults[next.Vector]:
		return Fault{Vector: FaultDoubleFault, Error: 0}, false

	default:
		// No collapse; the new fault simply supersedes (benign faults don't chain).
		return next, false
	}
}

// TSCState models the per-VCPU time-stamp counter: an offset added to the host's raw counter
// reading, with drift compensation applied whenever the kernel hands the VCPU a fresh host TSC
// snapshot.
type TSCState struct {
	offset int64
	last   uint64 // Last host TSC value observed, for drift compensation.
}

// Read returns the guest-visible TSC value for a given raw host counter reading.
func (t *TSCState) Read(hostTSC uint64) uint64 {
	return uint64(int64(hostTSC) + t.offset)
}

// WriteMSR implements WRMSR to the TSC MSR: it stores the delta between the written value and the
// current host counter so that subsequent reads reproduce the written value.
func (t *TSCState) WriteMSR(hostTSC uint64, value uint64) {
	t.offset = int64(value) - int64(hostTSC)
	t.last = hostTSC
}

// Resync applies drift compensation when the kernel provides a fresh host TSC snapshot: since the
// offset is defined relative to the host counter, no adjustment is needed unless the host counter
// itself has been observed to jump backward (migration, suspend/resume), in which case the offset
// is widened by the observed backward jump so guest-visible time never runs backward.
func (t *TSCState) Resync(hostTSC uint64) {
	if hostTSC < t.last {
		t.offset += int64(t.last - hostTSC)
	}

	t.last = hostTSC
}
