// Package capability implements the capability allocator: dense ranges of kernel
// object indices handed out from a private, power-of-two-aligned window.
//
// A capability is just an opaque integer naming a kernel object -- a portal, a semaphore, a
// protection domain. Possession is authority; there is no further authentication. The allocator
// itself does not interpret the numbers, it only manages which ones are in use.
package capability

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/nulstack/corevisor/internal/log"
)

// Cap is an unforgeable integer naming a kernel object.
type Cap uint32

func (c Cap) String() string { return fmt.Sprintf("cap:%#x", uint32(c)) }

// Zero is the canonical "no capability" value. Services compare against it to detect that the
// kernel object behind a capability is gone.
const Zero Cap = 0

var (
	// ErrExhausted is returned when the allocator's window has no remaining free indices.
	ErrExhausted = errors.New("capability: exhausted")

	// ErrRange is returned when a caller tries to free a range it never (fully) owned.
	ErrRange = errors.New("capability: invalid range")
)

// Allocator hands out naturally aligned power-of-two ranges of capability indices from a reserved
// window, so that a single translation-window operation can map an entire range. It is the Go
// analogue of the C++ CapAllocator used by sigma0 and by every parent-protocol client.
type Allocator struct {
	mut    sync.Mutex
	base   Cap    // First capability in the window.
	order  uint   // log2(window size).
	cursor Cap    // Next untried offset; allocation is a simple bump allocator with a free-list.
	free   []span // Freed ranges, available for reuse, in the order they were freed.

	log *log.Logger
}

type span struct {
	base Cap
	n    uint32
}

// New creates an allocator managing the window [base, base+2^order).
func New(base Cap, order uint) *Allocator {
	return &Allocator{
		base:  base,
		order: order,
		log:   log.DefaultLogger(),
	}
}

// Alloc reserves n contiguous, naturally aligned capabilities (n defaults to 1). It returns the
// base of the range or an error if the window is exhausted. Failure is fatal during boot and
// merely surfaced as NO_RESOURCE afterwards -- this package leaves that policy to the caller.
func (a *Allocator) Alloc(n uint32) (Cap, error) {
	if n == 0 {
		n = 1
	}

	a.mut.Lock()
	defer a.mut.Unlock()

	// Naturally aligned: round the allocation size up to a power of two and require the base to
	// be a multiple of it, mirroring the kernel's translation-window requirement.
	align := Cap(1) << bits.Len32(n-1)
	if n&(n-1) == 0 {
		align = Cap(n)
	}

	// First, try the free list for an exact or larger reusable span.
	for i, s := range a.free {
		if Cap(s.n) >= Cap(n) && s.base%align == 0 {
			base := s.base
			remaining := s.n - n

			if remaining == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i] = span{base: base + Cap(n), n: remaining}
			}

			return base, nil
		}
	}

	// Otherwise, bump the cursor, honoring alignment.
	limit := a.base + (Cap(1) << a.order)

	start := a.base + a.cursor
	aligned := (start + align - 1) &^ (align - 1)
	if aligned+Cap(n) > limit {
		a.log.Error("capability: window exhausted", log.String("window", fmt.Sprintf("%s/%d", a.base, a.order)))
		return Zero, ErrExhausted
	}

	a.cursor = aligned + Cap(n) - a.base

	return aligned, nil
}

// Free releases a range previously returned by Alloc, making it available for reuse.
func (a *Allocator) Free(base Cap, n uint32) error {
	if n == 0 {
		n = 1
	}

	a.mut.Lock()
	defer a.mut.Unlock()

	if base < a.base || base+Cap(n) > a.base+(Cap(1)<<a.order) {
		return fmt.Errorf("%w: %s+%d outside window %s/%d", ErrRange, base, n, a.base, a.order)
	}

	a.free = append(a.free, span{base: base, n: n})

	return nil
}

// Window returns the allocator's base and order, e.g. to construct a translation window spanning
// both an internal range and a client-visible range, as the parent protocol does.
func (a *Allocator) Window() (base Cap, order uint) {
	return a.base, a.order
}
