package device

import (
	"fmt"

	"github.com/nulstack/corevisor/internal/bus"
)

// HostOpClient is the convenience wrapper device models use to reach the root task over the
// blocking host-op back channel, turning the bare MessageHostOp/HostOp wire pair into named,
// typed calls so a device constructor can say AttachIRQ(line) instead of building the message by
// hand.
type HostOpClient struct {
	requests *bus.Bus[*bus.MessageHostOp]
}

// NewHostOpClient wraps requests, the bus the root task's handler listens on.
func NewHostOpClient(requests *bus.Bus[*bus.MessageHostOp]) *HostOpClient {
	return &HostOpClient{requests: requests}
}

func (c *HostOpClient) call(op bus.HostOp, arg1, arg2 uint64) (uint64, error) {
	msg := &bus.MessageHostOp{Op: op, Arg1: arg1, Arg2: arg2}
	if !c.requests.Send(msg) || !msg.Success {
		return 0, fmt.Errorf("device: host-op %v failed", op)
	}

	return msg.Result, nil
}

// AttachIRQ requests that the root task route the given legacy line to this client.
func (c *HostOpClient) AttachIRQ(line uint8) error {
	_, err := c.call(bus.HostOpAttachIRQ, uint64(line), 0)
	return err
}

// AllocIOPort requests an exclusive port range [base, base+count) be reserved for this client.
func (c *HostOpClient) AllocIOPort(base uint16, count uint16) error {
	_, err := c.call(bus.HostOpAllocIOPort, uint64(base), uint64(count))
	return err
}

// AllocIOMem requests an MMIO region of the given byte length; it returns the host-assigned
// guest-physical base.
func (c *HostOpClient) AllocIOMem(bytes uint64) (uint64, error) {
	return c.call(bus.HostOpAllocIOMem, bytes, 0)
}

// AssignPCI requests ownership of a PCI device's configuration space (bus<<16|device<<11|function<<8
// packed into arg1, matching the host bridge's own key encoding).
func (c *HostOpClient) AssignPCI(busID, device, function uint8) error {
	key := uint64(busID)<<16 | uint64(device)<<11 | uint64(function)<<8
	_, err := c.call(bus.HostOpAssignPCI, key, 0)

	return err
}

// VirtToPhys translates a device model's own process-virtual address into the guest-physical
// address backing it, for devices that need to hand guest memory pointers to host I/O calls.
func (c *HostOpClient) VirtToPhys(virt uint64) (uint64, error) {
	return c.call(bus.HostOpVirtToPhys, virt, 0)
}

// RegisterService asks the root task to register this client as a named service, returning the
// portal capability callers dial.
func (c *HostOpClient) RegisterService(nameHash uint64) (uint64, error) {
	return c.call(bus.HostOpRegisterService, nameHash, 0)
}

// CreateEC asks the root task to create a kernel execution context pinned to cpu, returning its
// capability.
func (c *HostOpClient) CreateEC(cpu uint64) (uint64, error) {
	return c.call(bus.HostOpCreateEC, cpu, 0)
}
