package device

import (
	"sync"

	"github.com/nulstack/corevisor/internal/bus"
)

// PCIFunction is a single PCI function's configuration-space backing store: 256 bytes (64
// dwords), indexed by register offset.
type PCIFunction struct {
	Bus, Device, Function uint8
	Config                [64]uint32

	handler func(register uint16, read bool, value *uint32) bool
}

// PCIHostBridge models a type-1 (0xcf8/0xcfc) configuration-space host bridge plus a configurable
// MMCFG aperture, dispatching to per-function backing stores. Functions may install a custom
// handler for registers with side effects (e.g. a BAR write triggering a remap); unhandled
// registers fall through to the plain backing array.
type PCIHostBridge struct {
	mut       sync.Mutex
	functions map[uint32]*PCIFunction // key: bus<<16 | device<<11 | function<<8

	configAddr uint32 // 0xcf8 latch.
	mmcfgBase  uint64
}

// Type-1 configuration ports.
const (
	pciConfigAddress = uint16(0xcf8)
	pciConfigData    = uint16(0xcfc)
)

// NewPCIHostBridge creates an empty host bridge with its MMCFG aperture based at mmcfgBase.
func NewPCIHostBridge(mmcfgBase uint64) *PCIHostBridge {
	return &PCIHostBridge{
		functions: make(map[uint32]*PCIFunction),
		mmcfgBase: mmcfgBase,
	}
}

func pciKey(busID, device, function uint8) uint32 {
	return uint32(busID)<<16 | uint32(device)<<11 | uint32(function)<<8
}

// AddFunction registers a function's configuration space. handler, if non-nil, is consulted
// before the plain backing array for every access.
func (b *PCIHostBridge) AddFunction(fn *PCIFunction) {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.functions[pciKey(fn.Bus, fn.Device, fn.Function)] = fn
}

// Attach registers the host bridge's ports on io and its MMCFG window on cfg.
func (b *PCIHostBridge) Attach(io *bus.Bus[*bus.MessagePortIO], cfg *bus.Bus[*bus.MessagePCIConfig]) {
	io.Register("pci-hostbridge", b.handlePortIO)
	cfg.Register("pci-hostbridge", b.handleConfig)
}

func (b *PCIHostBridge) handlePortIO(msg *bus.MessagePortIO) bool {
	switch msg.Port {
	case pciConfigAddress:
		b.mut.Lock()
		if msg.In {
			msg.Value = b.configAddr
		} else {
			b.configAddr = msg.Value
		}
		b.mut.Unlock()

		return true

	case pciConfigData:
		b.mut.Lock()
		addr := b.configAddr
		b.mut.Unlock()

		if addr&0x80000000 == 0 {
			return false // CONFIG_ENABLE not set.
		}

		busID := uint8(addr >> 16)
		device := uint8(addr>>11) & 0x1f
		function := uint8(addr>>8) & 0x7
		register := uint16(addr & 0xfc)

		return b.access(busID, device, function, register, msg)

	default:
		return false
	}
}

func (b *PCIHostBridge) handleConfig(msg *bus.MessagePCIConfig) bool {
	portMsg := &bus.MessagePortIO{In: msg.Read, Value: msg.Value}
	if !b.access(msg.Bus, msg.Device, msg.Function, msg.Register, portMsg) {
		return false
	}

	msg.Value = portMsg.Value

	return true
}

func (b *PCIHostBridge) access(busID, device, function uint8, register uint16, msg *bus.MessagePortIO) bool {
	b.mut.Lock()
	fn, ok := b.functions[pciKey(busID, device, function)]
	b.mut.Unlock()

	if !ok {
		if msg.In {
			msg.Value = 0xffffffff
		}

		return true
	}

	idx := register / 4

	if fn.handler != nil {
		var value uint32
		if !msg.In {
			value = msg.Value
		}

		if fn.handler(register, msg.In, &value) {
			if msg.In {
				msg.Value = value
			}

			return true
		}
	}

	if int(idx) >= len(fn.Config) {
		return false
	}

	if msg.In {
		msg.Value = fn.Config[idx]
	} else {
		fn.Config[idx] = msg.Value
	}

	return true
}
