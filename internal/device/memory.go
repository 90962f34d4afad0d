package device

import (
	"sync"
	"unsafe"

	"github.com/nulstack/corevisor/internal/bus"
)

// Memory is the guest's flat physical RAM: a single host-allocated byte slice that answers the
// region bus's host-mapping lookups the way a real hypervisor's EPT/NPT fault handler resolves a
// guest-physical page to a host virtual address, except here the "mapping" is just a slice index.
type Memory struct {
	mut   sync.RWMutex
	bytes []byte
	base  uint64
}

// NewMemory allocates sizeBytes of guest RAM starting at physical address base.
func NewMemory(base, sizeBytes uint64) *Memory {
	return &Memory{bytes: make([]byte, sizeBytes), base: base}
}

// Attach registers the region handler on region.
func (m *Memory) Attach(region *bus.Bus[*bus.MessageMemoryRegion]) {
	region.Register("ram", m.handleRegion)
}

func (m *Memory) handleRegion(msg *bus.MessageMemoryRegion) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()

	if msg.Phys < m.base || msg.Phys >= m.base+uint64(len(m.bytes)) {
		return false
	}

	off := msg.Phys - m.base
	remaining := uint64(len(m.bytes)) - off

	msg.Host = uintptr(unsafe.Pointer(&m.bytes[off]))
	msg.Pages = remaining / 4096

	return true
}

// ReadAt copies len(p) bytes from guest-physical phys into p, matching io.ReaderAt's contract;
// used by callers (e.g. the disk device's DMA completion) that need to land bytes directly rather
// than go through the region bus's host-pointer handshake.
func (m *Memory) ReadAt(p []byte, phys int64) (int, error) {
	m.mut.RLock()
	defer m.mut.RUnlock()

	off := uint64(phys) - m.base
	if uint64(phys) < m.base || off >= uint64(len(m.bytes)) {
		return 0, errOutOfRange(phys)
	}

	return copy(p, m.bytes[off:]), nil
}

// WriteAt copies p into guest-physical memory starting at phys, matching io.WriterAt's contract.
func (m *Memory) WriteAt(p []byte, phys int64) (int, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	off := uint64(phys) - m.base
	if uint64(phys) < m.base || off >= uint64(len(m.bytes)) {
		return 0, errOutOfRange(phys)
	}

	return copy(m.bytes[off:], p), nil
}

type rangeError int64

func (e rangeError) Error() string { return "device: memory: address out of range" }

func errOutOfRange(phys int64) error { return rangeError(phys) }
