package device

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/nulstack/corevisor/internal/bus"
)

func TestDiskReadLandsBytesInGuestMemory(t *testing.T) {
	backing := bytes.NewReader(bytes.Repeat([]byte{0xaa}, 4*defaultSectorSize))
	commit := bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO)

	results := make(chan *bus.MessageDiskCommit, 1)
	commit.Register("test", func(msg *bus.MessageDiskCommit) bool {
		results <- msg
		return true
	})

	disk := NewDisk(backing, nil, 4, commit)
	mem := NewMemory(0, 4096)
	disk.AttachDMA(mem)

	req := bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO)
	disk.Attach(req)

	req.Send(&bus.MessageDiskRequest{
		Op: bus.DiskRead, Sector: 0, Count: 1,
		DMAPhys: 0x100, DMABytesLen: defaultSectorSize, Tag: 1,
	})

	select {
	case msg := <-results:
		if msg.Status != bus.DiskOK {
			t.Fatalf("status = %v, want DiskOK", msg.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("commit never arrived")
	}

	buf := make([]byte, defaultSectorSize)
	if _, err := mem.ReadAt(buf, 0x100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(buf, bytes.Repeat([]byte{0xaa}, defaultSectorSize)) {
		t.Fatal("guest memory does not contain the disk sector's bytes")
	}
}

func TestDiskWriteSourcesBytesFromGuestMemory(t *testing.T) {
	backing := make([]byte, 4*defaultSectorSize)
	writable := &sliceWriterAt{buf: backing}
	commit := bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO)

	results := make(chan *bus.MessageDiskCommit, 1)
	commit.Register("test", func(msg *bus.MessageDiskCommit) bool {
		results <- msg
		return true
	})

	disk := NewDisk(bytes.NewReader(backing), writable, 4, commit)
	mem := NewMemory(0, 4096)
	disk.AttachDMA(mem)

	payload := bytes.Repeat([]byte{0x42}, defaultSectorSize)
	if _, err := mem.WriteAt(payload, 0x200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO)
	disk.Attach(req)

	req.Send(&bus.MessageDiskRequest{
		Op: bus.DiskWrite, Sector: 1, Count: 1,
		DMAPhys: 0x200, DMABytesLen: defaultSectorSize, Tag: 2,
	})

	select {
	case msg := <-results:
		if msg.Status != bus.DiskOK {
			t.Fatalf("status = %v, want DiskOK", msg.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("commit never arrived")
	}

	writable.mut.Lock()
	defer writable.mut.Unlock()

	if !bytes.Equal(writable.buf[defaultSectorSize:2*defaultSectorSize], payload) {
		t.Fatal("backing store does not contain the guest's written bytes")
	}
}

func TestDiskReadWithoutDMAFails(t *testing.T) {
	backing := bytes.NewReader(bytes.Repeat([]byte{0xaa}, defaultSectorSize))
	commit := bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO)

	results := make(chan *bus.MessageDiskCommit, 1)
	commit.Register("test", func(msg *bus.MessageDiskCommit) bool {
		results <- msg
		return true
	})

	disk := NewDisk(backing, nil, 1, commit)

	req := bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO)
	disk.Attach(req)

	req.Send(&bus.MessageDiskRequest{Op: bus.DiskRead, Sector: 0, Count: 1, DMABytesLen: defaultSectorSize, Tag: 3})

	select {
	case msg := <-results:
		if msg.Status != bus.DiskDevice {
			t.Fatalf("status = %v, want DiskDevice", msg.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("commit never arrived")
	}
}

type sliceWriterAt struct {
	mut sync.Mutex
	buf []byte
}

func (w *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	return copy(w.buf[off:], p), nil
}
