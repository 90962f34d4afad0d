package config

import (
	"strings"
	"testing"
)

const sampleManifest = `
[boot]
cpus = 2
memory_mib = 256
modaddr = "0x1800000"

[[device]]
name = "pic0"
type = "pic"
cpu = 0

[[device]]
name = "pit0"
type = "pit"
cpu = 0
irq = 0

[[device]]
name = "disk0"
type = "disk"
cpu = 1
base_port = 496

[device.params]
backing = "disk0.img"
`

func TestParseManifest(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Boot.CPUs != 2 || m.Boot.MemoryMiB != 256 {
		t.Fatalf("got boot %+v", m.Boot)
	}

	modaddr, err := m.Boot.Modaddr()
	if err != nil {
		t.Fatalf("unexpected error parsing modaddr: %v", err)
	}

	if modaddr != 0x1800000 {
		t.Fatalf("got modaddr %#x, want 0x1800000", modaddr)
	}

	if len(m.Devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(m.Devices))
	}
}

func TestManifestDefaultsLowMem(t *testing.T) {
	var m Manifest

	lowMem, err := m.Boot.LowMem()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if lowMem != 0xa0000 {
		t.Fatalf("got %#x, want default 0xa0000", lowMem)
	}
}

func TestManifestFindAndByType(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disk, ok := m.Find("disk0")
	if !ok {
		t.Fatal("expected to find disk0")
	}

	if disk.Params["backing"] != "disk0.img" {
		t.Fatalf("got params %v", disk.Params)
	}

	if got := m.ByType(TypePIC); len(got) != 1 || got[0].Name != "pic0" {
		t.Fatalf("got %v", got)
	}
}

func TestManifestValidateRejectsDuplicateNames(t *testing.T) {
	const dup = `
[[device]]
name = "pic0"
type = "pic"

[[device]]
name = "pic0"
type = "pic"
`

	if _, err := Parse(strings.NewReader(dup)); err == nil {
		t.Fatal("expected an error for duplicate device names")
	}
}

func TestManifestValidateRejectsUnknownType(t *testing.T) {
	const bad = `
[[device]]
name = "mystery"
type = "flux-capacitor"
`

	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Fatal("expected an error for an unknown device type")
	}
}

func TestManifestValidateRejectsCPUOutOfRange(t *testing.T) {
	const bad = `
[boot]
cpus = 1

[[device]]
name = "pic0"
type = "pic"
cpu = 5
`

	if _, err := Parse(strings.NewReader(bad)); err == nil {
		t.Fatal("expected an error for an out-of-range cpu index")
	}
}
