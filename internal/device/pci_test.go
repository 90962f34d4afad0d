package device

import (
	"testing"

	"github.com/nulstack/corevisor/internal/bus"
)

func configAddr(busID, device, function uint8, register uint16) uint32 {
	return 0x80000000 | uint32(busID)<<16 | uint32(device)<<11 | uint32(function)<<8 | uint32(register&0xfc)
}

func TestPCIHostBridgeTypeOneAccess(t *testing.T) {
	bridge := NewPCIHostBridge(0xe0000000)

	fn := &PCIFunction{Bus: 0, Device: 1, Function: 0}
	fn.Config[0] = 0x12345678 // vendor/device ID at offset 0.
	bridge.AddFunction(fn)

	io := bus.New[*bus.MessagePortIO]("io", bus.LIFO)
	bridge.Attach(io, bus.New[*bus.MessagePCIConfig]("cfg", bus.LIFO))

	addrMsg := &bus.MessagePortIO{Port: 0xcf8, In: false, Value: configAddr(0, 1, 0, 0)}
	if !io.Send(addrMsg) {
		t.Fatal("address write not handled")
	}

	dataMsg := &bus.MessagePortIO{Port: 0xcfc, In: true}
	if !io.Send(dataMsg) {
		t.Fatal("data read not handled")
	}

	if dataMsg.Value != 0x12345678 {
		t.Fatalf("got %#x, want %#x", dataMsg.Value, 0x12345678)
	}
}

func TestPCIHostBridgeUnmappedFunction(t *testing.T) {
	bridge := NewPCIHostBridge(0xe0000000)

	io := bus.New[*bus.MessagePortIO]("io", bus.LIFO)
	bridge.Attach(io, bus.New[*bus.MessagePCIConfig]("cfg", bus.LIFO))

	io.Send(&bus.MessagePortIO{Port: 0xcf8, In: false, Value: configAddr(0, 5, 0, 0)})

	dataMsg := &bus.MessagePortIO{Port: 0xcfc, In: true}
	io.Send(dataMsg)

	if dataMsg.Value != 0xffffffff {
		t.Fatalf("got %#x, want all-ones for unmapped function", dataMsg.Value)
	}
}

func TestPCIHostBridgeConfigEnableGating(t *testing.T) {
	bridge := NewPCIHostBridge(0xe0000000)

	fn := &PCIFunction{Bus: 0, Device: 1, Function: 0}
	bridge.AddFunction(fn)

	io := bus.New[*bus.MessagePortIO]("io", bus.LIFO)
	bridge.Attach(io, bus.New[*bus.MessagePCIConfig]("cfg", bus.LIFO))

	// CONFIG_ENABLE bit (31) clear.
	io.Send(&bus.MessagePortIO{Port: 0xcf8, In: false, Value: 0x00010000})

	dataMsg := &bus.MessagePortIO{Port: 0xcfc, In: true}
	if io.Send(dataMsg) {
		t.Fatal("data access should be unhandled without CONFIG_ENABLE")
	}
}

func TestPCIHostBridgeMMCFGPath(t *testing.T) {
	bridge := NewPCIHostBridge(0xe0000000)

	fn := &PCIFunction{Bus: 2, Device: 3, Function: 1}
	fn.Config[1] = 0xcafebabe
	bridge.AddFunction(fn)

	cfg := bus.New[*bus.MessagePCIConfig]("cfg", bus.LIFO)
	bridge.Attach(bus.New[*bus.MessagePortIO]("io", bus.LIFO), cfg)

	msg := &bus.MessagePCIConfig{Bus: 2, Device: 3, Function: 1, Register: 4, Read: true}
	if !cfg.Send(msg) {
		t.Fatal("mmcfg-style access not handled")
	}

	if msg.Value != 0xcafebabe {
		t.Fatalf("got %#x, want %#x", msg.Value, 0xcafebabe)
	}
}
