package device

import (
	"io"
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
	"github.com/nulstack/corevisor/internal/log"
)

// DMA is the guest-physical-memory access a Disk needs to land a read's result or source a
// write's payload -- satisfied by *Memory in production and a fake in tests.
type DMA interface {
	io.ReaderAt
	io.WriterAt
}

// Disk models a single IDE/AHCI-ish block device backed by an io.ReaderAt/io.WriterAt (in
// production, an open file; in tests, a bytes.Reader over an in-memory image). It answers the
// wire's four operations and replies asynchronously on a commit bus, matching the
// real hardware's DMA-completion-interrupt model.
type Disk struct {
	mut        sync.Mutex
	backing    io.ReaderAt
	writable   io.WriterAt // nil for a read-only image.
	sectorSize uint64
	sectors    uint64

	dma    DMA // guest-physical memory; nil disables the DMA copy (geometry-only tests).
	commit *bus.Bus[*bus.MessageDiskCommit]
	log    *log.Logger
}

const defaultSectorSize = 512

// NewDisk creates a disk of the given sector count over backing, publishing completions on
// commit. writable may be nil for a read-only medium.
func NewDisk(backing io.ReaderAt, writable io.WriterAt, sectors uint64, commit *bus.Bus[*bus.MessageDiskCommit]) *Disk {
	return &Disk{
		backing:    backing,
		writable:   writable,
		sectorSize: defaultSectorSize,
		sectors:    sectors,
		commit:     commit,
		log:        log.DefaultLogger(),
	}
}

// AttachDMA wires the guest-physical memory a read lands into or a write is sourced from. Without
// it, reads and writes transfer no bytes and commit with bus.DiskDevice.
func (d *Disk) AttachDMA(dma DMA) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.dma = dma
}

// Attach registers the disk's request handler on requests.
func (d *Disk) Attach(requests *bus.Bus[*bus.MessageDiskRequest]) {
	requests.Register("disk", d.handleRequest)
}

func (d *Disk) handleRequest(req *bus.MessageDiskRequest) bool {
	if req.Disk != 0 {
		return false // Single-disk model; a multi-disk motherboard attaches one Disk per index.
	}

	go d.serve(*req)

	return true
}

// serve performs the operation and posts a commit. It runs off the bus-dispatch goroutine since
// buses themselves must not block.
func (d *Disk) serve(req bus.MessageDiskRequest) {
	status := bus.DiskOK

	switch req.Op {
	case bus.DiskGetParams:
		// Nothing to transfer; the guest reads geometry out of a side-channel BIOS structure
		// that the BIOS trampoline (not this device) populates from d.sectors/d.sectorSize.

	case bus.DiskRead:
		status = d.read(req)

	case bus.DiskWrite:
		status = d.write(req)

	case bus.DiskFlushCache:
		// Nothing is buffered in this model; flush is always immediate.

	default:
		status = bus.DiskDevice
	}

	d.commit.Send(&bus.MessageDiskCommit{Tag: req.Tag, Status: status})
}

func (d *Disk) read(req bus.MessageDiskRequest) bus.DiskStatus {
	if req.Sector+uint64(req.Count) > d.sectors {
		return bus.DiskDevice
	}

	want := uint64(req.Count) * d.sectorSize
	if want > req.DMABytesLen {
		return bus.DiskDMA
	}

	buf := make([]byte, want)
	if _, err := d.backing.ReadAt(buf, int64(req.Sector*d.sectorSize)); err != nil {
		d.log.Error("disk: read failed", log.String("err", err.Error()))
		return bus.DiskDevice
	}

	d.mut.Lock()
	dma := d.dma
	d.mut.Unlock()

	if dma == nil {
		return bus.DiskDevice
	}

	if _, err := dma.WriteAt(buf, int64(req.DMAPhys)); err != nil {
		d.log.Error("disk: dma write failed", log.String("err", err.Error()))
		return bus.DiskDMA
	}

	return bus.DiskOK
}

func (d *Disk) write(req bus.MessageDiskRequest) bus.DiskStatus {
	if d.writable == nil {
		return bus.DiskDevice
	}

	if req.Sector+uint64(req.Count) > d.sectors {
		return bus.DiskDevice
	}

	want := uint64(req.Count) * d.sectorSize
	if want > req.DMABytesLen {
		return bus.DiskDMA
	}

	d.mut.Lock()
	dma := d.dma
	d.mut.Unlock()

	if dma == nil {
		return bus.DiskDevice
	}

	buf := make([]byte, want)

	if _, err := dma.ReadAt(buf, int64(req.DMAPhys)); err != nil {
		d.log.Error("disk: dma read failed", log.String("err", err.Error()))
		return bus.DiskDMA
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	if _, err := d.writable.WriteAt(buf, int64(req.Sector*d.sectorSize)); err != nil {
		d.log.Error("disk: write failed", log.String("err", err.Error()))
		return bus.DiskDevice
	}

	return bus.DiskOK
}

// Sectors reports the disk's total sector count.
func (d *Disk) Sectors() uint64 { return d.sectors }

// SectorSize reports the disk's sector size in bytes.
func (d *Disk) SectorSize() uint64 { return d.sectorSize }
