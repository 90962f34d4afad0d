package vcpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nulstack/corevisor/internal/bus"
)

// Feature selects which paging-mode extensions the TLB's page walker honors.
type Feature uint32

const (
	FeatureNone     Feature = 0
	FeaturePSE      Feature = 1 << 0
	FeaturePSE36    Feature = 1 << 1
	FeaturePAE      Feature = 1 << 2
	FeatureSmallPDPT Feature = 1 << 3
	FeatureLong     Feature = 1 << 4
)

// FaultError bits, matching the x86 page-fault error code layout.
const (
	PFPresent    uint32 = 1 << 0
	PFWrite      uint32 = 1 << 1
	PFUser       uint32 = 1 << 2
	PFReserved   uint32 = 1 << 3
	PFInstrFetch uint32 = 1 << 4
)

// PageFault is returned by Translate when the walk cannot complete.
type PageFault struct {
	LinearAddr uint64
	ErrorCode  uint32
}

func (pf *PageFault) Error() string {
	return fmt.Sprintf("vcpu: page fault at %#x, error %#x", pf.LinearAddr, pf.ErrorCode)
}

// pteSize is the architectural page-table-entry size in bytes: 4 for 32-bit non-PAE paging, 8 for
// PAE/long mode.
const (
	pte4Size = 4
	pte8Size = 8
)

// TLB is the VCPU's software page walker and translation cache: it resolves a guest linear
// address to a host pointer (via the memory-region bus) or a small MMIO read/write (via the
// memory bus), caching the last-resolved mapping per 4KiB page.
type TLB struct {
	mut      sync.Mutex
	feature  Feature
	region   *bus.Bus[*bus.MessageMemoryRegion]
	entries  map[uint64]tlbEntry
	cr3      uint64
	pagingOn bool
	// generation increments on every Flush so stale cached walker results (captured before a CR3
	// write) are never mistaken for current ones.
	generation atomic.Uint64
}

type tlbEntry struct {
	physPage   uint64
	accessed   bool
	dirty      bool
	writable   bool
	user       bool
	generation uint64
}

const pageSize = 4096

// NewTLB creates a TLB consulting region for physical-page lookups, with the given feature set.
func NewTLB(region *bus.Bus[*bus.MessageMemoryRegion], feature Feature) *TLB {
	return &TLB{
		feature: feature,
		region:  region,
		entries: make(map[uint64]tlbEntry),
	}
}

// SetCR3 installs a new page-table root and invalidates every cached translation, matching a
// guest MOV-to-CR3.
func (t *TLB) SetCR3(cr3 uint64, pagingOn bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.cr3 = cr3
	t.pagingOn = pagingOn
	t.entries = make(map[uint64]tlbEntry)
	t.generation.Add(1)
}

// Flush invalidates every cached translation without changing CR3 (INVLPG-all / CR4 toggles that
// globally affect translation).
func (t *TLB) Flush() {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.entries = make(map[uint64]tlbEntry)
	t.generation.Add(1)
}

// Translate resolves linear to a host physical page, walking the guest's page tables (or
// returning an identity mapping if paging is disabled). write and user select the access-type
// bits used for permission checking and the fault error code on failure.
func (t *TLB) Translate(linear uint64, write, user, instrFetch bool) (phys uint64, err error) {
	t.mut.Lock()

	if !t.pagingOn {
		t.mut.Unlock()
		return linear, nil // Identity mapping: physical equals linear, no translation to do.
	}

	page := linear &^ (pageSize - 1)

	if e, ok := t.entries[page]; ok && e.generation == t.generation.Load() {
		if perr := t.checkPermission(e, write, user); perr != 0 {
			t.mut.Unlock()
			return 0, &PageFault{LinearAddr: linear, ErrorCode: perr | boolBit(instrFetch, PFInstrFetch)}
		}

		t.mut.Unlock()

		return e.physPage | (linear & (pageSize - 1)), nil
	}

	t.mut.Unlock()

	entry, walkErr := t.walk(linear, write, user)
	if walkErr != nil {
		errCode := uint32(0)

		var pf *PageFault
		if asPageFault(walkErr, &pf) {
			errCode = pf.ErrorCode
		}

		return 0, &PageFault{LinearAddr: linear, ErrorCode: errCode | boolBit(instrFetch, PFInstrFetch)}
	}

	t.mut.Lock()
	entry.generation = t.generation.Load()
	t.entries[page] = entry
	t.mut.Unlock()

	if perr := t.checkPermission(entry, write, user); perr != 0 {
		return 0, &PageFault{LinearAddr: linear, ErrorCode: perr | boolBit(instrFetch, PFInstrFetch)}
	}

	return entry.physPage | (linear & (pageSize - 1)), nil
}

func asPageFault(err error, out **PageFault) bool {
	pf, ok := err.(*PageFault)
	if ok {
		*out = pf
	}

	return ok
}

func boolBit(b bool, bit uint32) uint32 {
	if b {
		return bit
	}

	return 0
}

func (t *TLB) checkPermission(e tlbEntry, write, user bool) uint32 {
	code := PFPresent

	if write && !e.writable {
		code |= PFWrite
	}

	if user && !e.user {
		code |= PFUser
	}

	if code == PFPresent {
		return 0 // No violation.
	}

	return code
}

// walk performs the architectural page-table walk. The feature set selects the walk's depth and
// entry width: plain 32-bit paging is a two-level 4-byte-PTE walk; PAE is a three-level 8-byte-PTE
// walk fed by a 4-entry PDPT; PSE/PSE36 allow a large-page leaf at the page-directory level.
func (t *TLB) walk(linear uint64, write, user bool) (tlbEntry, error) {
	switch {
	case t.feature&FeaturePAE != 0:
		return t.walkPAE(linear, write)
	default:
		return t.walk32(linear, write)
	}
}

func (t *TLB) walk32(linear uint64, write bool) (tlbEntry, error) {
	pdIndex := (linear >> 22) & 0x3ff
	ptIndex := (linear >> 12) & 0x3ff

	pde, pdePtr, err := t.readPTE(t.cr3, pdIndex, pte4Size)
	if err != nil {
		return tlbEntry{}, err
	}

	if pde&1 == 0 {
		return tlbEntry{}, &PageFault{ErrorCode: 0} // Not present.
	}

	if pde&reservedBits32(t.feature) != 0 {
		return tlbEntry{}, &PageFault{ErrorCode: PFPresent | PFReserved}
	}

	if t.feature&(FeaturePSE|FeaturePSE36) != 0 && pde&(1<<7) != 0 {
		// 4MiB large page: the page-directory entry is itself the leaf.
		base := (pde &^ 0x3fffff) & 0xffffffff

		if t.feature&FeaturePSE36 != 0 {
			base |= (pde & (0xff << 13)) << 19 // PSE-36 extra physical address bits.
		}

		pde = t.markAccessedDirty(pdePtr, pte4Size, pde, write)

		return tlbEntry{
			physPage: base | (linear & 0x3fffff &^ (pageSize - 1)),
			writable: pde&2 != 0,
			user:     pde&4 != 0,
			accessed: true,
			dirty:    write,
		}, nil
	}

	pde = t.markAccessedDirty(pdePtr, pte4Size, pde, false)

	pte, ptePtr, err := t.readPTE(pde&^0xfff, ptIndex, pte4Size)
	if err != nil {
		return tlbEntry{}, err
	}

	if pte&1 == 0 {
		return tlbEntry{}, &PageFault{ErrorCode: 0}
	}

	pte = t.markAccessedDirty(ptePtr, pte4Size, pte, write)

	return tlbEntry{
		physPage: pte &^ 0xfff,
		writable: pte&2 != 0 && pde&2 != 0,
		user:     pte&4 != 0 && pde&4 != 0,
		accessed: true,
		dirty:    write,
	}, nil
}

func reservedBits32(feature Feature) uint64 {
	if feature&(FeaturePSE|FeaturePSE36) != 0 {
		return 0 // PS bit legitimately settable; no additional reserved bits to check here.
	}

	return 1 << 7 // PS bit must be 0 without PSE.
}

func (t *TLB) walkPAE(linear uint64, write bool) (tlbEntry, error) {
	pdptIndex := (linear >> 30) & 0x3
	pdIndex := (linear >> 21) & 0x1ff
	ptIndex := (linear >> 12) & 0x1ff

	pdpte, pdptePtr, err := t.readPTE(t.cr3&^0x1f, pdptIndex, pte8Size)
	if err != nil {
		return tlbEntry{}, err
	}

	if pdpte&1 == 0 {
		return tlbEntry{}, &PageFault{ErrorCode: 0}
	}

	pde, pdePtr, err := t.readPTE(pdpte&^0xfff, pdIndex, pte8Size)
	if err != nil {
		return tlbEntry{}, err
	}

	if pde&1 == 0 {
		return tlbEntry{}, &PageFault{ErrorCode: 0}
	}

	if pde&(1<<7) != 0 {
		// 2MiB large page.
		t.markAccessedDirty(pdptePtr, pte8Size, pdpte, false)
		pde = t.markAccessedDirty(pdePtr, pte8Size, pde, write)

		return tlbEntry{
			physPage: (pde &^ 0x1fffff) & 0xffffffffff,
			writable: pde&2 != 0,
			user:     pde&4 != 0,
			accessed: true,
			dirty:    write,
		}, nil
	}

	t.markAccessedDirty(pdptePtr, pte8Size, pdpte, false)
	pde = t.markAccessedDirty(pdePtr, pte8Size, pde, false)

	pte, ptePtr, err := t.readPTE(pde&^0xfff, ptIndex, pte8Size)
	if err != nil {
		return tlbEntry{}, err
	}

	if pte&1 == 0 {
		return tlbEntry{}, &PageFault{ErrorCode: 0}
	}

	pte = t.markAccessedDirty(ptePtr, pte8Size, pte, write)

	return tlbEntry{
		physPage: pte &^ 0xfff,
		writable: pte&2 != 0 && pde&2 != 0 && pdpte&2 != 0,
		user:     pte&4 != 0 && pde&4 != 0,
		accessed: true,
		dirty:    write,
	}, nil
}

// readPTE fetches the index'th entry (of the given size, 4 or 8 bytes) from the page-table-ish
// structure based at tableBase, by asking the memory-region bus for a host mapping of that
// physical page and reading out of it. It also returns the host pointer the entry was read from,
// so a caller that determines the entry is a real walked-through (or leaf) entry can CAS its
// accessed/dirty bits via markAccessedDirty.
func (t *TLB) readPTE(tableBase uint64, index uint64, size int) (value uint64, ptr uintptr, err error) {
	msg := &bus.MessageMemoryRegion{Phys: tableBase &^ (pageSize - 1), Bytes: pageSize}
	if !t.region.Send(msg) || msg.Host == 0 {
		return 0, 0, fmt.Errorf("vcpu: tlb: no region backing table at %#x", tableBase)
	}

	ptr = msg.Host + uintptr(index)*uintptr(size)

	return readPhysWord(ptr, size), ptr, nil
}

// ReadBytes returns up to n bytes of guest memory at the given physical address, via the region
// bus's host mapping -- the same lookup readPTE performs, at byte granularity, for the decoder's
// instruction fetch. A region boundary before n bytes are read yields a shorter slice rather than
// an error; a decode of a truncated window fails on its own terms.
func (t *TLB) ReadBytes(phys uint64, n int) ([]byte, error) {
	buf := make([]byte, n)

	for i := 0; i < n; i++ {
		addr := phys + uint64(i)

		msg := &bus.MessageMemoryRegion{Phys: addr &^ (pageSize - 1), Bytes: pageSize}
		if !t.region.Send(msg) || msg.Host == 0 {
			if i == 0 {
				return nil, fmt.Errorf("vcpu: tlb: no region backing address %#x", phys)
			}

			return buf[:i], nil
		}

		off := addr & (pageSize - 1)
		buf[i] = byte(readPhysWord(msg.Host+uintptr(off), 1))
	}

	return buf, nil
}

// pteAccessed and pteDirty are the architectural accessed/dirty bits common to every PDE/PTE
// format this package walks.
const (
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
)

// markAccessedDirty sets the accessed bit (and, if dirty is true, the dirty bit) on the entry at
// ptr via a compare-and-swap loop, retrying against whatever the memory actually holds if another
// walker raced it. It returns the entry's up-to-date value, accessed/dirty bits included.
func (t *TLB) markAccessedDirty(ptr uintptr, size int, raw uint64, dirty bool) uint64 {
	for {
		want := raw | pteAccessed
		if dirty {
			want |= pteDirty
		}

		if want == raw {
			return raw
		}

		if casPhysWord(ptr, size, raw, want) {
			return want
		}

		raw = readPhysWord(ptr, size)
	}
}

// readPhysWord and casPhysWord are the TLB's only two points of contact with raw host memory, so
// tests can swap in stubs without a real mapped host pointer. Production reads/writes go through
// ptr via the unsafe accessors below, onto whatever *device.Memory publishes as the region bus's
// host mapping.
var (
	readPhysWord = defaultReadPhysWord
	casPhysWord  = defaultCASPhysWord
)

func defaultReadPhysWord(ptr uintptr, size int) uint64 {
	switch size {
	case 1:
		return uint64(*(*uint8)(unsafe.Pointer(ptr)))
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(unsafe.Pointer(ptr))))
	case 8:
		return atomic.LoadUint64((*uint64)(unsafe.Pointer(ptr)))
	default:
		return 0
	}
}

func defaultCASPhysWord(ptr uintptr, size int, old, new uint64) bool {
	switch size {
	case 4:
		return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(ptr)), uint32(old), uint32(new))
	case 8:
		return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(ptr)), old, new)
	default:
		return false
	}
}
