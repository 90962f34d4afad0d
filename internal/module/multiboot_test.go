package module

import (
	"encoding/binary"
	"testing"
)

func TestBuildMBIHeaderFields(t *testing.T) {
	buf := make([]byte, 1<<16)

	mods := []ModuleEntry{{Start: 0x2000, End: 0x3000, CmdlineAddr: 0x4000, CmdlineLen: 5}}
	mmap := StandardMmap(1<<24, 0xa0000)

	addr, err := BuildMBI(buf, 0x1000, "root=/dev/sda", mods, mmap, 640, 16384)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if addr != 0x1000 {
		t.Fatalf("got addr %#x, want 0x1000", addr)
	}

	flags := binary.LittleEndian.Uint32(buf[addr+mbiOffFlags:])
	want := MbiFlagMem | MbiFlagCmdline | MbiFlagMmap | MbiFlagBootLoaderName | MbiFlagMods

	if flags != want {
		t.Fatalf("got flags %#x, want %#x", flags, want)
	}

	modsCount := binary.LittleEndian.Uint32(buf[addr+mbiOffModsCount:])
	if modsCount != 1 {
		t.Fatalf("got mods_count %d, want 1", modsCount)
	}

	modsAddr := binary.LittleEndian.Uint32(buf[addr+mbiOffModsAddr:])
	modEntry := buf[modsAddr : modsAddr+moduleEntrySize]

	if got := binary.LittleEndian.Uint32(modEntry[0:]); got != 0x2000 {
		t.Fatalf("got mod_start %#x, want 0x2000", got)
	}

	if got := binary.LittleEndian.Uint32(modEntry[4:]); got != 0x3000 {
		t.Fatalf("got mod_end %#x, want 0x3000", got)
	}

	cmdlineAddr := binary.LittleEndian.Uint32(buf[addr+mbiOffCmdline:])
	if string(buf[cmdlineAddr:cmdlineAddr+13]) != "root=/dev/sda" {
		t.Fatalf("got cmdline %q", buf[cmdlineAddr:cmdlineAddr+13])
	}

	if buf[cmdlineAddr+13] != 0 {
		t.Fatal("expected a NUL terminator after the cmdline")
	}
}

func TestBuildMBIMemoryMapEntries(t *testing.T) {
	buf := make([]byte, 1<<16)

	mmap := StandardMmap(2<<20, 0xa0000)

	addr, err := BuildMBI(buf, 0x1000, "", nil, mmap, 640, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mmapAddr := binary.LittleEndian.Uint32(buf[addr+mbiOffMmapAddr:])
	mmapLength := binary.LittleEndian.Uint32(buf[addr+mbiOffMmapLength:])

	if int(mmapLength) != len(mmap)*mmapEntrySize {
		t.Fatalf("got mmap_length %d, want %d", mmapLength, len(mmap)*mmapEntrySize)
	}

	first := buf[mmapAddr : mmapAddr+mmapEntrySize]
	size := binary.LittleEndian.Uint32(first[0:])

	if size != mmapEntrySize-4 {
		t.Fatalf("got entry size field %d, want %d", size, mmapEntrySize-4)
	}

	base := binary.LittleEndian.Uint64(first[4:])
	length := binary.LittleEndian.Uint64(first[12:])
	typ := binary.LittleEndian.Uint32(first[20:])

	if base != 0 || length != 0xa0000 || typ != 1 {
		t.Fatalf("got base %#x length %#x type %d", base, length, typ)
	}
}

func TestBuildMBIBufferTooSmall(t *testing.T) {
	buf := make([]byte, 16)

	if _, err := BuildMBI(buf, 0, "a long enough cmdline to overflow", nil, nil, 0, 0); err != ErrBufferTooSmall {
		t.Fatalf("got %v, want ErrBufferTooSmall", err)
	}
}

func TestStandardMmapClampsLowMem(t *testing.T) {
	mmap := StandardMmap(4<<20, 0xc0000) // Over the 0xa0000 ceiling.

	if mmap[0].Length != 0xa0000 {
		t.Fatalf("got low-mem length %#x, want 0xa0000", mmap[0].Length)
	}

	if mmap[1].Base != 0xa0000 || mmap[1].Length != 0 {
		t.Fatalf("got reserved-hole entry %+v, want base 0xa0000 length 0", mmap[1])
	}
}
