// Package region implements the region allocators: sorted, merged interval maps
// used for physical-memory bookkeeping and virtual-to-physical mapping.
//
// Three instances are maintained by the root task: free-physical (physical RAM not yet claimed),
// virt-phys (virtual-to-physical mapping of what the root task has mapped into itself), and
// free-virt (free virtual address space). This package implements the single reusable data
// structure; the root task owns three separate Maps.
package region

import (
	"fmt"
	"sort"

	"github.com/nulstack/corevisor/internal/log"
)

// Region is a contiguous range of virtual addresses, their length, and (if applicable) the
// physical address they're backed by.
type Region struct {
	VirtStart uint64
	Length    uint64
	PhysStart uint64
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x+%#x -> %#x]", r.VirtStart, r.Length, r.PhysStart)
}

// VirtEnd returns the exclusive end of the region's virtual range.
func (r Region) VirtEnd() uint64 { return r.VirtStart + r.Length }

// adjacent reports whether r immediately precedes o (in both virtual and physical space, if a
// physical mapping is present in both), and so can be merged into a single, larger region.
func (r Region) adjacent(o Region) bool {
	if r.VirtEnd() != o.VirtStart {
		return false
	}

	// Regions with no physical backing (phys == 0, e.g. pure virtual-address reservations) merge
	// on virtual adjacency alone; otherwise physical addresses must also be contiguous.
	if r.PhysStart == 0 && o.PhysStart == 0 {
		return true
	}

	return r.PhysStart+r.Length == o.PhysStart
}

// Map is a region allocator: a sorted, merged list of regions supporting add, delete, first-fit
// allocation with alignment, and lookup by virtual or physical address.
type Map struct {
	regions []Region
	log     *log.Logger
}

// New creates an empty region map.
func New() *Map {
	return &Map{log: log.DefaultLogger()}
}

// Add inserts a region, merging it with any adjacent entries.
func (m *Map) Add(r Region) {
	m.regions = append(m.regions, r)

	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].VirtStart < m.regions[j].VirtStart
	})

	m.merge()
}

func (m *Map) merge() {
	if len(m.regions) < 2 {
		return
	}

	merged := m.regions[:1]

	for _, next := range m.regions[1:] {
		last := &merged[len(merged)-1]

		if last.adjacent(next) {
			last.Length += next.Length
			continue
		}

		merged = append(merged, next)
	}

	m.regions = merged
}

// Del removes a region, splitting an overlapping entry if necessary. It is the caller's
// responsibility to pass a sub-range of a previously added region; del is a no-op over addresses
// that are not currently mapped.
func (m *Map) Del(r Region) {
	var out []Region

	for _, have := range m.regions {
		lo, hi := have.VirtStart, have.VirtEnd()
		dlo, dhi := r.VirtStart, r.VirtEnd()

		switch {
		case dhi <= lo || dlo >= hi:
			// No overlap.
			out = append(out, have)
		case dlo <= lo && dhi >= hi:
			// Fully removed.
		case dlo > lo && dhi < hi:
			// Split into two.
			left := have
			left.Length = dlo - lo

			right := have
			delta := dhi - lo
			right.VirtStart = dhi
			right.Length = have.Length - delta

			if have.PhysStart != 0 {
				right.PhysStart = have.PhysStart + delta
			}

			out = append(out, left, right)
		case dlo <= lo:
			// Removes a prefix.
			delta := dhi - lo
			have.VirtStart = dhi
			have.Length -= delta

			if have.PhysStart != 0 {
				have.PhysStart += delta
			}

			out = append(out, have)
		default:
			// Removes a suffix.
			have.Length = dlo - lo
			out = append(out, have)
		}
	}

	m.regions = out
}

// Alloc performs a first-fit allocation of size bytes, honoring alignment (expressed as a shift,
// i.e. the result is a multiple of 1<<alignShift) and an optional byte bias: the returned base plus
// offset satisfies the alignment, which lets callers place an aligned field inside an allocation
// header. It returns zero if no region can satisfy the request.
func (m *Map) Alloc(size uint64, alignShift uint, offset uint64) uint64 {
	align := uint64(1) << alignShift

	for _, r := range m.regions {
		if r.Length < size {
			continue
		}

		// The smallest candidate base within this region such that base+offset is aligned.
		base := r.VirtStart
		rem := (base + offset) % align

		if rem != 0 {
			base += align - rem
		}

		if base+size <= r.VirtEnd() {
			m.Del(Region{VirtStart: base, Length: size, PhysStart: r.PhysStart + (base - r.VirtStart)})

			return base
		}
	}

	return 0
}

// Find returns the region containing the given virtual address, if any.
func (m *Map) Find(virt uint64) (Region, bool) {
	// The list is kept sorted by virtual address, so a binary search finds the candidate region.
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].VirtEnd() > virt
	})

	if i < len(m.regions) && m.regions[i].VirtStart <= virt {
		return m.regions[i], true
	}

	return Region{}, false
}

// FindPhys returns the first region backed by [phys, phys+size), if any.
func (m *Map) FindPhys(phys, size uint64) (Region, bool) {
	for _, r := range m.regions {
		if r.PhysStart == 0 {
			continue
		}

		if r.PhysStart <= phys && phys+size <= r.PhysStart+r.Length {
			return r, true
		}
	}

	return Region{}, false
}

// Regions returns a copy of the current, sorted, merged region list. Intended for diagnostics.
func (m *Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)

	return out
}
