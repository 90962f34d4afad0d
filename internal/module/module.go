// Package module implements the client process data model: the module table the root task
// consults to track every booted client, its cmdline, its physical memory donation, and its
// lifecycle state.
package module

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nulstack/corevisor/internal/capability"
	"github.com/nulstack/corevisor/internal/log"
)

// Type classifies a module's role, mirroring the original sigma0's ModuleInfo::type tag.
type Type int

const (
	// TypeApp is an ordinary client: no special treatment by the root task.
	TypeApp Type = iota

	// TypeAdmission is the scheduler-admission service, conventionally module 1.
	TypeAdmission

	// TypeS0 is the root task's own bookkeeping entry (module 0), never booted like a client.
	TypeS0
)

func (t Type) String() string {
	switch t {
	case TypeAdmission:
		return "admission"
	case TypeS0:
		return "sigma0"
	default:
		return "app"
	}
}

var (
	// ErrFull is returned when no free module slot remains.
	ErrFull = errors.New("module: table full")

	// ErrNotFound is returned when a lookup or free targets an unknown or already-free id.
	ErrNotFound = errors.New("module: not found")
)

// Module is the root task's record of one client process: its boot command line, the CPU it runs
// on, whether it may issue DMA, and the physical memory range donated to it.
type Module struct {
	ID   int
	Type Type

	CPU        uint32
	DMAAllowed bool

	PhysAddr uint64
	PhysSize uint64

	// Cmdline is the module's full configuration line, split at "||" by ParseConfig into the
	// sigma0-facing prefix (consulted by Has/Get, CheckPermission) and the client-facing tail.
	Cmdline       Cmdline
	SigmaCmdLen   int
	ClientCmdline string

	Identity capability.Cap // Set once the module has an identity capability in the registry.
}

// Client returns the client-facing tail of the module's command line (the scheme://path plus
// arguments a guest sees as its own argv), i.e. everything after the "||" separator.
func (m *Module) Client() string { return m.ClientCmdline }

// clientTail skips the "||" separator at offset sigmaCmdLen, plus any whitespace immediately
// following it, mirroring s0_modules.h's "client_cmdline += 2 + strspn(client_cmdline + 2, ...)".
func clientTail(cmdline string, sigmaCmdLen int) string {
	rest := cmdline[sigmaCmdLen:]
	rest = strings.TrimPrefix(rest, "||")

	return strings.TrimLeft(rest, " \t\r\n\f\v")
}

// Sigma0 returns the sigma0-facing prefix of the module's command line, the portion Has/Get and
// CheckPermission consult -- everything before "||".
func (m *Module) Sigma0() Cmdline { return m.Cmdline[:m.SigmaCmdLen] }

// Table is the root task's module table: a fixed number of slots, most reserved for ordinary
// clients, a low range reserved for sigma0's own bookkeeping modules (id 0) and admission (id 1).
type Table struct {
	mut   sync.Mutex
	slots []*Module
	log   *log.Logger
}

// New creates a table with capacity slots (slot 0 is conventionally reserved for sigma0 itself and
// is never handed out by Alloc).
func New(capacity int) *Table {
	return &Table{
		slots: make([]*Module, capacity),
		log:   log.DefaultLogger(),
	}
}

// reservedFloor is the first slot Alloc considers for an ordinary client; slots below it are
// reserved for sigma0 (0) and, when s0Reserved is requested, admission (1).
const reservedFloor = 5

// Alloc finds a free slot, constructs a Module from cmdline (splitting at sigmaCmdLen the way
// ParseConfig already has), and returns it. s0Reserved requests a low-numbered slot (admission and
// other boot-time services that must start before ordinary clients).
func (t *Table) Alloc(cmdline string, sigmaCmdLen int, s0Reserved bool) (*Module, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	start := reservedFloor
	if s0Reserved {
		start = 1
	}

	for i := start; i < len(t.slots); i++ {
		if t.slots[i] != nil {
			continue
		}

		m := &Module{
			ID:            i,
			Type:          TypeApp,
			Cmdline:       Cmdline(cmdline),
			SigmaCmdLen:   sigmaCmdLen,
			ClientCmdline: clientTail(cmdline, sigmaCmdLen),
		}

		if i == 1 {
			m.Type = TypeAdmission
		}

		m.CPU = m.Sigma0().AffinityCPU()
		m.DMAAllowed = m.Sigma0().Has("sigma0::dma", "")

		t.slots[i] = m

		return m, nil
	}

	return nil, ErrFull
}

// Get returns the module at id, if allocated.
func (t *Table) Get(id int) (*Module, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, ErrNotFound
	}

	return t.slots[id], nil
}

// Free releases a module's slot. Its physical memory is the caller's responsibility to return to
// the free-phys region map first (Free only clears the bookkeeping entry).
func (t *Table) Free(id int) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return ErrNotFound
	}

	t.slots[id] = nil

	return nil
}

// String renders a module for diagnostics.
func (m *Module) String() string {
	return fmt.Sprintf("module{id:%d type:%s cpu:%d dma:%v mem:%#x+%#x}",
		m.ID, m.Type, m.CPU, m.DMAAllowed, m.PhysAddr, m.PhysSize)
}
