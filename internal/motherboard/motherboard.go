// Package motherboard assembles the bus fabric and device models a running VM needs: it is the
// Go analogue of the original's Motherboard class, minus the back-pointer devices held onto it --
// here, every device is wired to the buses it needs at construction time instead.
package motherboard

import (
	"fmt"
	"os"

	"github.com/nulstack/corevisor/internal/bus"
	"github.com/nulstack/corevisor/internal/config"
	"github.com/nulstack/corevisor/internal/device"
	"github.com/nulstack/corevisor/internal/vcpu"
)

// Buses is the complete set of message buses a Machine's devices and VCPUs are wired to. Each is
// a single-discipline, single-message-type fabric (see internal/bus); devices register handlers
// on the ones relevant to them at construction time.
type Buses struct {
	Legacy     *bus.Bus[*bus.MessageLegacy]
	PortIO     *bus.Bus[*bus.MessagePortIO]
	PCIConfig  *bus.Bus[*bus.MessagePCIConfig]
	Region     *bus.Bus[*bus.MessageMemoryRegion]
	HostOp     *bus.Bus[*bus.MessageHostOp]
	DiskReq    *bus.Bus[*bus.MessageDiskRequest]
	DiskCommit *bus.Bus[*bus.MessageDiskCommit]
	Console    *bus.Bus[*bus.MessageConsole]
	Discovery  *bus.Bus[*bus.MessageDiscovery]
	BIOS       *bus.Bus[*vcpu.MessageBios]
}

func newBuses() Buses {
	return Buses{
		Legacy:     bus.New[*bus.MessageLegacy]("legacy", bus.LIFO),
		PortIO:     bus.New[*bus.MessagePortIO]("portio", bus.LIFO),
		PCIConfig:  bus.New[*bus.MessagePCIConfig]("pciconfig", bus.LIFO),
		Region:     bus.New[*bus.MessageMemoryRegion]("region", bus.LIFO),
		HostOp:     bus.New[*bus.MessageHostOp]("hostop", bus.LIFO),
		DiskReq:    bus.New[*bus.MessageDiskRequest]("disk-req", bus.LIFO),
		DiskCommit: bus.New[*bus.MessageDiskCommit]("disk-commit", bus.LIFO),
		Console:    bus.New[*bus.MessageConsole]("console", bus.LIFO),
		Discovery:  bus.New[*bus.MessageDiscovery]("discovery", bus.LIFO),
		BIOS:       bus.New[*vcpu.MessageBios]("bios", bus.LIFO),
	}
}

const defaultMMCFGBase = 0xe0000000

// Machine is one assembled VM instance: the bus fabric, every device named in its manifest, and
// the VCPUs that drive it.
type Machine struct {
	Buses   Buses
	Devices map[string]any
	PICs    map[string]*device.PIC
	VCPUs   []*vcpu.VCPU

	BIOSTrampoline *vcpu.BIOSTrampoline
	GSI            *device.GSIForwarder

	// Keyboard and ConsoleDevice are set when the manifest includes one of each, so a CLI-facing
	// collaborator (internal/tty's host terminal bridge) can be wired to them without having to
	// type-assert its way through Devices.
	Keyboard      *device.PS2Keyboard
	ConsoleDevice *device.Console

	// Memory is the machine's guest-physical RAM, backing every region-bus lookup the TLB and
	// disk DMA paths make. Set explicitly by a manifest "memory" device, or synthesized from
	// Boot.MemoryMiB (default 1 MiB) if the manifest names none.
	Memory *device.Memory

	pendingDisks []*device.Disk
	closers      []func() error
}

// defaultMemoryMiB is the guest RAM size synthesized when a manifest names no "memory" device and
// Boot.MemoryMiB is left at its zero value.
const defaultMemoryMiB = 1

// New assembles a Machine from a device-topology manifest: a bus fabric, one device instance per
// manifest entry wired to the buses its type needs, and (if the manifest asks for one) a
// file-backed disk. Every disk is wired to the machine's guest RAM for its DMA transfers, and a
// default RAM region is synthesized from Boot.MemoryMiB if the manifest names no "memory" device.
func New(manifest config.Manifest) (*Machine, error) {
	m := &Machine{
		Buses:   newBuses(),
		Devices: make(map[string]any, len(manifest.Devices)),
		PICs:    make(map[string]*device.PIC),
	}

	for _, d := range manifest.Devices {
		if err := m.attach(d); err != nil {
			m.Close()
			return nil, err
		}
	}

	if m.Memory == nil {
		mib := manifest.Boot.MemoryMiB
		if mib == 0 {
			mib = defaultMemoryMiB
		}

		m.Memory = device.NewMemory(0, mib<<20)
		m.Memory.Attach(m.Buses.Region)
	}

	for _, disk := range m.pendingDisks {
		disk.AttachDMA(m.Memory)
	}

	m.BIOSTrampoline = vcpu.NewBIOSTrampoline(m.Buses.BIOS)
	m.BIOSTrampoline.AttachDisk(m.Buses.DiskReq, m.Buses.DiskCommit)

	return m, nil
}

func (m *Machine) attach(d config.Device) error {
	switch d.Type {
	case config.TypePIC:
		pic := device.NewPIC(d.IRQ)
		pic.Attach(m.Buses.Legacy, m.Buses.PortIO)
		m.Devices[d.Name] = pic
		m.PICs[d.Name] = pic

	case config.TypePIT:
		pic, err := m.picFor(d)
		if err != nil {
			return err
		}

		pit := device.NewPIT(pic, d.IRQ)
		pit.Attach(m.Buses.PortIO)
		m.Devices[d.Name] = pit

	case config.TypeRTC:
		rtc := device.NewRTC()
		rtc.Attach(m.Buses.PortIO)
		m.Devices[d.Name] = rtc

	case config.TypePS2Keyboard:
		kbd := device.NewPS2Keyboard()
		kbd.Attach(m.Buses.PortIO)
		m.Devices[d.Name] = kbd
		m.Keyboard = kbd

	case config.TypeConsole:
		con := device.NewConsole()
		con.Attach(m.Buses.Console)
		m.Devices[d.Name] = con
		m.ConsoleDevice = con

	case config.TypeDiscovery:
		disc := device.NewDiscovery()
		disc.Attach(m.Buses.Discovery)
		m.Devices[d.Name] = disc

	case config.TypeMemory:
		base, size, err := parseMemoryParams(d)
		if err != nil {
			return err
		}

		mem := device.NewMemory(base, size)
		mem.Attach(m.Buses.Region)
		m.Devices[d.Name] = mem
		m.Memory = mem

	case config.TypePCIHostBridge:
		base := d.Params["mmcfg_base"]

		mmcfgBase := uint64(defaultMMCFGBase)
		if base != "" {
			if _, err := fmt.Sscanf(base, "0x%x", &mmcfgBase); err != nil {
				return fmt.Errorf("motherboard: device %q: invalid mmcfg_base %q: %w", d.Name, base, err)
			}
		}

		bridge := device.NewPCIHostBridge(mmcfgBase)
		bridge.Attach(m.Buses.PortIO, m.Buses.PCIConfig)
		m.Devices[d.Name] = bridge

	case config.TypeDisk:
		disk, err := m.newDisk(d)
		if err != nil {
			return err
		}

		disk.Attach(m.Buses.DiskReq)
		m.Devices[d.Name] = disk
		m.pendingDisks = append(m.pendingDisks, disk)

	default:
		return fmt.Errorf("motherboard: device %q: unknown type %q", d.Name, d.Type)
	}

	return nil
}

// picFor resolves the PIC a PIT (or any other line-raising device) should assert against: the
// manifest's single PIC device if there is exactly one, otherwise the one named in the device's
// own "pic" param.
func (m *Machine) picFor(d config.Device) (*device.PIC, error) {
	if name := d.Params["pic"]; name != "" {
		pic, ok := m.PICs[name]
		if !ok {
			return nil, fmt.Errorf("motherboard: device %q: no such pic %q", d.Name, name)
		}

		return pic, nil
	}

	if len(m.PICs) == 1 {
		for _, pic := range m.PICs {
			return pic, nil
		}
	}

	return nil, fmt.Errorf("motherboard: device %q: ambiguous pic (set params.pic)", d.Name)
}

// parseMemoryParams reads a "memory" device's base (hex, default 0) and size (decimal MiB,
// default defaultMemoryMiB) params.
func parseMemoryParams(d config.Device) (base, size uint64, err error) {
	if raw := d.Params["base"]; raw != "" {
		if _, err := fmt.Sscanf(raw, "0x%x", &base); err != nil {
			return 0, 0, fmt.Errorf("motherboard: device %q: invalid base %q: %w", d.Name, raw, err)
		}
	}

	mib := uint64(defaultMemoryMiB)

	if raw := d.Params["size_mib"]; raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &mib); err != nil {
			return 0, 0, fmt.Errorf("motherboard: device %q: invalid size_mib %q: %w", d.Name, raw, err)
		}
	}

	return base, mib << 20, nil
}

func (m *Machine) newDisk(d config.Device) (*device.Disk, error) {
	path := d.Params["backing"]
	if path == "" {
		return nil, fmt.Errorf("motherboard: disk %q: missing params.backing", d.Name)
	}

	writable := d.Params["writable"] == "true"

	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("motherboard: disk %q: %w", d.Name, err)
	}

	m.closers = append(m.closers, f.Close)

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("motherboard: disk %q: %w", d.Name, err)
	}

	sectors := uint64(info.Size()) / 512

	if writable {
		return device.NewDisk(f, f, sectors, m.Buses.DiskCommit), nil
	}

	return device.NewDisk(f, nil, sectors, m.Buses.DiskCommit), nil
}

// BuildVCPUs constructs n VCPUs, each wired to the Machine's region and BIOS buses.
func (m *Machine) BuildVCPUs(n int) {
	m.VCPUs = make([]*vcpu.VCPU, n)
	for i := range m.VCPUs {
		m.VCPUs[i] = vcpu.New(i, m.Buses.Region, m.Buses.BIOS)
	}
}

// AttachGSIForwarder starts a GSI forwarder relaying source's events onto pic, attaching the given
// lines with host via host-op calls first.
func (m *Machine) AttachGSIForwarder(pic *device.PIC, host *device.HostOpClient, source device.GSISource, lines ...uint8) error {
	m.GSI = device.NewGSIForwarder(pic, host, source)
	return m.GSI.Start(lines...)
}

// Close releases every resource the Machine opened (backing disk files, the GSI forwarder) in
// reverse order.
func (m *Machine) Close() error {
	if m.GSI != nil {
		_ = m.GSI.Stop()
	}

	var firstErr error

	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
