package module

import (
	"encoding/binary"
	"errors"
)

// Multiboot flag bits, from the Multiboot v1 specification (mirrored in vbios_multiboot.cc's
// mbi_enum).
const (
	MbiMagic = 0x2badb002

	MbiFlagMem            uint32 = 1 << 0
	MbiFlagCmdline        uint32 = 1 << 2
	MbiFlagMods           uint32 = 1 << 3
	MbiFlagMmap           uint32 = 1 << 6
	MbiFlagBootLoaderName uint32 = 1 << 9
)

// mbiHeaderSize covers the Mbi fields from flags through boot_loader_name (offset 64): 17
// unsigned (4-byte) fields. The VBE fields that follow in the full structure are not laid out.
// Only the fields this port populates (flags, mem_lower/upper, cmdline, mods_count/addr,
// mmap_length/addr, boot_loader_name) are written, the rest are zero; the offsets match the
// original's so a real guest's multiboot-aware loader reads the same layout.
const mbiHeaderSize = 17 * 4

const (
	mbiOffFlags          = 0
	mbiOffMemLower       = 4
	mbiOffMemUpper       = 8
	mbiOffCmdline        = 16
	mbiOffModsCount      = 20
	mbiOffModsAddr       = 24
	mbiOffMmapLength     = 44
	mbiOffMmapAddr       = 48
	mbiOffBootLoaderName = 64
)

// bootLoaderName is the string BuildMBI publishes at MBI_FLAG_BOOT_LOADER_NAME; the original
// leaves this to whatever string the host sigma0 build embeds, here fixed to identify this VMM.
const bootLoaderName = "corevisor"

// moduleEntrySize is sizeof(Module): mod_start, mod_end, string, reserved, all 4-byte fields.
const moduleEntrySize = 4 * 4

// mmapEntrySize is sizeof(MbiMmap): a 4-byte size field (the BIOS convention: the byte count of
// the rest of the entry, i.e. 20) followed by 8-byte base, 8-byte length, and a 4-byte type -- 24
// bytes total, matching the original's packed layout.
const mmapEntrySize = 24

// ModuleEntry describes one multiboot module already placed in guest memory: its [Start, End)
// byte range and the guest-physical address of its NUL-terminated command line. CmdlineLen is not
// written into the MBI: the entry's fourth (reserved) word is always zero.
type ModuleEntry struct {
	Start, End  uint32
	CmdlineAddr uint32
	CmdlineLen  uint32
}

// MmapEntry is one BIOS-style memory-map record (type 1 = available, 2 = reserved).
type MmapEntry struct {
	Base, Length uint64
	Type         uint32
}

// ErrBufferTooSmall is returned when buf cannot hold the MBI plus its module and memory-map
// tables at the requested base offset.
var ErrBufferTooSmall = errors.New("module: multiboot: buffer too small")

// BuildMBI writes a Multiboot Information structure, its module list, and its memory map into buf
// starting at offset base, following init_mbi's layout: the Mbi header first, then the module
// table immediately after it, then cmdline bytes and the memory map appended by the caller-supplied
// layout (here placed contiguously after the module table for simplicity). It returns the
// guest-physical address of the Mbi header (i.e. base).
func BuildMBI(buf []byte, base uint32, cmdline string, mods []ModuleEntry, mmap []MmapEntry, memLower, memUpper uint32) (uint32, error) {
	modsSize := len(mods) * moduleEntrySize
	mmapSize := len(mmap) * mmapEntrySize
	cmdlineAddr := base + mbiHeaderSize + uint32(modsSize)
	cmdlineSize := uint32(len(cmdline) + 1)
	mmapAddr := cmdlineAddr + cmdlineSize
	nameAddr := mmapAddr + uint32(mmapSize)
	nameSize := uint32(len(bootLoaderName) + 1)

	total := int(nameAddr) + int(nameSize) - int(base)
	if int(base)+total > len(buf) || total < 0 {
		return 0, ErrBufferTooSmall
	}

	hdr := buf[base : base+mbiHeaderSize]
	for i := range hdr {
		hdr[i] = 0
	}

	flags := MbiFlagMem | MbiFlagCmdline | MbiFlagMmap | MbiFlagBootLoaderName
	if len(mods) > 0 {
		flags |= MbiFlagMods
	}

	binary.LittleEndian.PutUint32(hdr[mbiOffFlags:], flags)
	binary.LittleEndian.PutUint32(hdr[mbiOffMemLower:], memLower)
	binary.LittleEndian.PutUint32(hdr[mbiOffMemUpper:], memUpper)
	binary.LittleEndian.PutUint32(hdr[mbiOffCmdline:], cmdlineAddr)
	binary.LittleEndian.PutUint32(hdr[mbiOffModsCount:], uint32(len(mods)))

	if len(mods) > 0 {
		binary.LittleEndian.PutUint32(hdr[mbiOffModsAddr:], base+mbiHeaderSize)
	}

	binary.LittleEndian.PutUint32(hdr[mbiOffMmapLength:], uint32(mmapSize))
	binary.LittleEndian.PutUint32(hdr[mbiOffMmapAddr:], mmapAddr)
	binary.LittleEndian.PutUint32(hdr[mbiOffBootLoaderName:], nameAddr)

	modTable := buf[base+mbiHeaderSize : cmdlineAddr]
	for i, mod := range mods {
		entry := modTable[i*moduleEntrySize : (i+1)*moduleEntrySize]
		binary.LittleEndian.PutUint32(entry[0:], mod.Start)
		binary.LittleEndian.PutUint32(entry[4:], mod.End)
		binary.LittleEndian.PutUint32(entry[8:], mod.CmdlineAddr)
		binary.LittleEndian.PutUint32(entry[12:], 0) // Reserved.
	}

	copy(buf[cmdlineAddr:], cmdline)
	buf[cmdlineAddr+uint32(len(cmdline))] = 0

	mmapTable := buf[mmapAddr : mmapAddr+uint32(mmapSize)]
	for i, e := range mmap {
		entry := mmapTable[i*mmapEntrySize : (i+1)*mmapEntrySize]
		binary.LittleEndian.PutUint32(entry[0:], mmapEntrySize-4) // Size excludes this field itself.
		binary.LittleEndian.PutUint64(entry[4:], e.Base)
		binary.LittleEndian.PutUint64(entry[12:], e.Length)
		binary.LittleEndian.PutUint32(entry[20:], e.Type)
	}

	copy(buf[nameAddr:], bootLoaderName)
	buf[nameAddr+uint32(len(bootLoaderName))] = 0

	return base, nil
}

// StandardMmap builds the conventional three-entry BIOS memory map init_mbi constructs: low
// memory below lowMem, a reserved entry from lowMem up to 0xa0000 (zero-length when lowMem is
// 0xa0000), and everything above 1MiB. The range 0xa0000-1MiB is not listed.
func StandardMmap(memSize uint64, lowMem uint64) []MmapEntry {
	if lowMem == 0 || lowMem > 0xa0000 {
		lowMem = 0xa0000
	}

	return []MmapEntry{
		{Base: 0, Length: lowMem, Type: 1},
		{Base: lowMem, Length: 0xa0000 - lowMem, Type: 2},
		{Base: 1 << 20, Length: memSize - (1 << 20), Type: 1},
	}
}
