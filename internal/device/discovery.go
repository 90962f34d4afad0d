package device

import (
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
)

// Discovery is the ACPI-like blob publisher devices use to advertise tables the guest firmware
// locates by name rather than by a fixed address -- the PCI host bridge's MCFG entry, the FACP,
// and the BIOS trampoline's BDA fields all flow through here rather than through a shared memory
// region, so publishers don't need to coordinate physical layout with readers.
type Discovery struct {
	mut   sync.Mutex
	blobs map[string][]byte
}

// NewDiscovery creates an empty blob table.
func NewDiscovery() *Discovery {
	return &Discovery{blobs: make(map[string][]byte)}
}

// Attach registers the discovery handler on disc.
func (d *Discovery) Attach(disc *bus.Bus[*bus.MessageDiscovery]) {
	disc.Register("discovery", d.handle)
}

func (d *Discovery) handle(msg *bus.MessageDiscovery) bool {
	d.mut.Lock()
	defer d.mut.Unlock()

	if msg.Read {
		blob, ok := d.blobs[msg.Resource]
		if !ok {
			return false
		}

		end := msg.Offset + uint64(len(msg.Bytes))
		if end > uint64(len(blob)) {
			return false
		}

		copy(msg.Bytes, blob[msg.Offset:end])

		return true
	}

	blob := d.blobs[msg.Resource]

	need := msg.Offset + uint64(len(msg.Bytes))
	if uint64(len(blob)) < need {
		grown := make([]byte, need)
		copy(grown, blob)
		blob = grown
	}

	copy(blob[msg.Offset:], msg.Bytes)
	d.blobs[msg.Resource] = blob

	return true
}

// Publish installs (or replaces) a named resource wholesale, bypassing the offset/copy semantics
// handle uses for incremental updates -- the form a table-building device uses once it has
// assembled a complete table in memory.
func (d *Discovery) Publish(resource string, blob []byte) {
	d.mut.Lock()
	defer d.mut.Unlock()

	cp := make([]byte, len(blob))
	copy(cp, blob)
	d.blobs[resource] = cp
}

// Lookup returns a copy of a published resource.
func (d *Discovery) Lookup(resource string) ([]byte, bool) {
	d.mut.Lock()
	defer d.mut.Unlock()

	blob, ok := d.blobs[resource]
	if !ok {
		return nil, false
	}

	cp := make([]byte, len(blob))
	copy(cp, blob)

	return cp, true
}

const (
	// ResourceMCFG and ResourceFACP name the two ACPI tables the PCI host bridge and the power
	// management block publish, matching the names the BIOS trampoline looks up by convention.
	ResourceMCFG = "acpi.mcfg"
	ResourceFACP = "acpi.facp"
)

// PublishMCFG builds a minimal single-segment MCFG table entry (base address, segment group 0,
// start/end bus number) and publishes it under ResourceMCFG.
func PublishMCFG(disc *Discovery, mmcfgBase uint64, startBus, endBus uint8) {
	entry := make([]byte, 16)
	putUint64LE(entry[0:], mmcfgBase)
	// entry[8:10] segment group number, left 0.
	entry[10] = startBus
	entry[11] = endBus
	// entry[12:16] reserved.

	disc.Publish(ResourceMCFG, entry)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
