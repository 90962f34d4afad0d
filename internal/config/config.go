// Package config reads the boot device-topology manifest: a TOML file describing which device
// models the root task wires up, their CPU affinity, and their port/IRQ assignment. It
// supplements (never replaces) the per-module nulconfig line format in internal/module, which
// remains the scheme/path/args record for a single client's boot command.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// Manifest is the root of a boot device-topology file: global boot parameters plus the device
// topology itself.
type Manifest struct {
	Boot    Boot     `toml:"boot"`
	Devices []Device `toml:"device"`
}

// Boot carries the parameters that apply to the machine as a whole rather than to one device.
type Boot struct {
	CPUs      int    `toml:"cpus"`
	MemoryMiB uint64 `toml:"memory_mib"`

	// ModaddrHex and LowMemHex are hex strings (e.g. "0x1800000"), matching
	// vbios_multiboot_modaddr's PARAM_HANDLER syntax; parsed via Boot.Modaddr/LowMem.
	ModaddrHex string `toml:"modaddr"`
	LowMemHex  string `toml:"lowmem"`
}

// Modaddr parses ModaddrHex, defaulting to the original's 0x1800000 when absent.
func (b Boot) Modaddr() (uint64, error) {
	if b.ModaddrHex == "" {
		return 0x1800000, nil
	}

	return parseHex(b.ModaddrHex)
}

// LowMem parses LowMemHex, defaulting to the original's 0xa0000 when absent.
func (b Boot) LowMem() (uint64, error) {
	if b.LowMemHex == "" {
		return 0xa0000, nil
	}

	return parseHex(b.LowMemHex)
}

func parseHex(s string) (uint64, error) {
	var v uint64

	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid hex value %q: %w", s, err)
	}

	return v, nil
}

// Device is one device model's placement: which model, which CPU it's bound to, and its port/IRQ
// wiring. Params carries model-specific configuration that doesn't warrant its own manifest field
// (e.g. a disk's backing-file path).
type Device struct {
	Name string `toml:"name"`
	Type string `toml:"type"` // "pic", "pit", "rtc", "ps2keyboard", "disk", "console", "pcihostbridge", "discovery", "memory".
	CPU  int    `toml:"cpu"`

	BasePort uint16 `toml:"base_port"`
	IRQ      uint8  `toml:"irq"`

	Params map[string]string `toml:"params"`
}

// Known device type names, matching internal/device's constructors.
const (
	TypePIC           = "pic"
	TypePIT           = "pit"
	TypeRTC           = "rtc"
	TypePS2Keyboard   = "ps2keyboard"
	TypeDisk          = "disk"
	TypeConsole       = "console"
	TypePCIHostBridge = "pcihostbridge"
	TypeDiscovery     = "discovery"
	TypeMemory        = "memory"
)

// Load reads and parses a manifest file from path.
func Load(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a manifest from r.
func Parse(r io.Reader) (Manifest, error) {
	var m Manifest

	if _, err := toml.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("config: decode manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}

	return m, nil
}

// Validate checks the manifest for internally-inconsistent device topology: duplicate names,
// out-of-range CPU indices, and unknown device types.
func (m Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Devices))

	for _, d := range m.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: device with empty name")
		}

		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}

		seen[d.Name] = true

		if m.Boot.CPUs > 0 && (d.CPU < 0 || d.CPU >= m.Boot.CPUs) {
			return fmt.Errorf("config: device %q: cpu %d out of range [0,%d)", d.Name, d.CPU, m.Boot.CPUs)
		}

		if !isKnownType(d.Type) {
			return fmt.Errorf("config: device %q: unknown type %q", d.Name, d.Type)
		}
	}

	return nil
}

func isKnownType(t string) bool {
	switch t {
	case TypePIC, TypePIT, TypeRTC, TypePS2Keyboard, TypeDisk, TypeConsole, TypePCIHostBridge, TypeDiscovery, TypeMemory:
		return true
	default:
		return false
	}
}

// Find returns the device configuration named name, if present.
func (m Manifest) Find(name string) (Device, bool) {
	for _, d := range m.Devices {
		if d.Name == name {
			return d, true
		}
	}

	return Device{}, false
}

// ByType returns every device configuration of the given type, in manifest order.
func (m Manifest) ByType(t string) []Device {
	var out []Device

	for _, d := range m.Devices {
		if d.Type == t {
			out = append(out, d)
		}
	}

	return out
}
