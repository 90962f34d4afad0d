// Package registry implements the client registry: a pair of storage tables
// (sessions and services) keyed by identity capabilities, with a staleness-detection sweep.
//
// Each table is an unordered collection of entries guarded by a single lock (never both tables'
// locks at once, see internal/parent). Clients are addressed by a generational index so that a
// stale reference -- held by some other thread racing a free -- can never be mistaken for a live
// entry.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nulstack/corevisor/internal/capability"
	"github.com/nulstack/corevisor/internal/log"
)

var (
	// ErrNotFound is returned when a requested identity capability has no corresponding entry.
	ErrNotFound = errors.New("registry: not found")

	// ErrExists is returned by operations that require a prior entry not to exist.
	ErrExists = errors.New("registry: exists")

	// ErrResource is returned when the identity-capability allocator is exhausted. Callers should
	// sweep dead entries (GetInvalidClient) and retry.
	ErrResource = errors.New("registry: resource exhausted")
)

// Kernel abstracts the microkernel operations the registry needs in order to create and revoke
// identity capabilities and to probe capability liveness. Production code backs this with real
// syscalls; tests use a fake.
type Kernel interface {
	// Resolves reports whether a capability still names a live kernel object.
	Resolves(cap capability.Cap) bool

	// Revoke invalidates a capability, after which Resolves must return false.
	Revoke(cap capability.Cap) error
}

// Session is the client-side record of an open connection to a service. ServiceName and Singleton
// are mutated only by the holder's dispatch thread while the sessions table lock is held.
type Session struct {
	Pseudonym   capability.Cap // Identifies the requesting client to the parent.
	Identity    capability.Cap // Unforgeable token the service compares against.
	ServiceName string         // Borrowed from the client's command line; published last.
	Singleton   capability.Cap // Client-provided singleton capability, or Zero.

	traceID uuid.UUID // Debug-only correlation id; never used as an authority.

	published atomic.Bool // True once ServiceName is safe to read (publication barrier).
}

func (s *Session) String() string {
	return fmt.Sprintf("session{pseudonym:%s identity:%s name:%q trace:%s}",
		s.Pseudonym, s.Identity, s.ServiceName, s.traceID)
}

// Service is the server-side record of a published service: a superset of Session.
type Service struct {
	Session

	CPU        uint32         // Physical CPU the service is bound to.
	Portal     capability.Cap // Portal capability clients invoke to reach the service.
	FullName   string         // Namespace-prefixed name, e.g. "/s0/timer".
	MemRevoke  *atomic.Bool   // Optional flag the parent sets to ask the client to revoke memory.
}

func (s *Service) String() string {
	return fmt.Sprintf("service{cpu:%d portal:%s fullname:%q identity:%s}",
		s.CPU, s.Portal, s.FullName, s.Identity)
}

// Table is a generic client-data storage table: sessions or services, keyed by identity
// capability, with opportunistic staleness detection.
type Table[T any] struct {
	mut     sync.RWMutex
	entries map[capability.Cap]*entry[T]
	caps    *capability.Allocator
	kernel  Kernel
	log     *log.Logger
	nextGen uint64
}

type entry[T any] struct {
	gen  uint64
	data *T
}

// ClientID is a generational reference to a table entry: the identity capability plus the
// generation it was allocated under. Because capability indices are reused once freed (see
// internal/capability's free-list), a bare Cap saved by some other goroutine could, after a
// free/realloc cycle, silently start referring to a different client. Carrying the generation
// turns that into a detectable mismatch instead of a silent aliasing bug.
type ClientID struct {
	Cap capability.Cap
	Gen uint64
}

func (id ClientID) String() string { return fmt.Sprintf("%s#%d", id.Cap, id.Gen) }

// New creates an empty table whose identity capabilities are allocated from caps.
func New[T any](caps *capability.Allocator, kernel Kernel) *Table[T] {
	return &Table[T]{
		entries: make(map[capability.Cap]*entry[T]),
		caps:    caps,
		kernel:  kernel,
		log:     log.DefaultLogger(),
	}
}

// identitySetter lets generic code set the Identity field shared by Session and *Service (Go
// generics have no field access on type parameters, so entries implement this themselves).
type identitySetter interface {
	setIdentity(capability.Cap)
}

func (s *Session) setIdentity(c capability.Cap) { s.Identity = c }
func (s *Service) setIdentity(c capability.Cap) { s.Identity = c }

func (s *Session) getIdentity() capability.Cap { return s.Identity }
func (s *Service) getIdentity() capability.Cap { return s.Identity }

type identityGetter interface {
	getIdentity() capability.Cap
}

// AllocClientData allocates an identity capability from the capability allocator and constructs a
// new entry, publishing it into the table. On success, the *T built by newT is returned with
// Identity already set; capability.Zero is never issued as an identity. Callers finish populating it and must call Publish once fields like ServiceName are
// final -- readers key on that publication, not on table membership alone.
func AllocClientData[T any](t *Table[T], pseudonym capability.Cap, newT func() *T) (*T, error) {
	cap, err := t.caps.Alloc(1)
	if err == nil && cap == capability.Zero {
		// Zero means "no capability" and starts Next/GetInvalidClient iteration; keep it reserved.
		cap, err = t.caps.Alloc(1)
	}

	if err != nil {
		t.log.Error("registry: identity cap allocation failed", log.String("err", err.Error()))
		return nil, ErrResource
	}

	data := newT()

	if setter, ok := any(data).(identitySetter); ok {
		setter.setIdentity(cap)
	}

	t.mut.Lock()
	gen := t.nextGen
	t.entries[cap] = &entry[T]{data: data, gen: gen}
	t.mut.Unlock()

	return data, nil
}

// GetClientData looks up an entry by identity capability.
func (t *Table[T]) GetClientData(identity capability.Cap) (*T, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	e, ok := t.entries[identity]
	if !ok {
		return nil, ErrNotFound
	}

	return e.data, nil
}

// FreeClientData revokes the entry's identity capability, releases it back to the allocator, and
// unlinks the entry from the table.
func (t *Table[T]) FreeClientData(identity capability.Cap) error {
	t.mut.Lock()
	defer t.mut.Unlock()

	if _, ok := t.entries[identity]; !ok {
		return ErrNotFound
	}

	if err := t.kernel.Revoke(identity); err != nil {
		// Internal inconsistency: we just allocated this capability ourselves.
		panic(fmt.Sprintf("registry: revoke of owned cap %s failed: %s", identity, err))
	}

	_ = t.caps.Free(identity, 1)
	delete(t.entries, identity)
	t.nextGen++

	return nil
}

// IdentityOf returns the generational reference for a live entry's identity capability. Callers
// that must hand out a reference safe to validate later (e.g. across a portal call) should store
// the ClientID, not the bare Cap.
func (t *Table[T]) IdentityOf(identity capability.Cap) (ClientID, error) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	e, ok := t.entries[identity]
	if !ok {
		return ClientID{}, ErrNotFound
	}

	return ClientID{Cap: identity, Gen: e.gen}, nil
}

// Validate reports whether id still names the live entry it was issued against. A capability
// index is reused once freed (internal/capability's free-list), so a ClientID captured before a
// free/realloc cycle fails validation instead of silently resolving to the wrong client.
func (t *Table[T]) Validate(id ClientID) bool {
	t.mut.RLock()
	defer t.mut.RUnlock()

	e, ok := t.entries[id.Cap]

	return ok && e.gen == id.Gen
}

// Next supports iteration: given a previous identity capability (or Zero to start), it returns the
// next entry in an unspecified but stable-for-the-duration-of-the-lock order.
func (t *Table[T]) Next(prev capability.Cap) (*T, capability.Cap) {
	t.mut.RLock()
	defer t.mut.RUnlock()

	keys := t.sortedKeysLocked()

	if prev == capability.Zero {
		if len(keys) == 0 {
			return nil, capability.Zero
		}

		return t.entries[keys[0]].data, keys[0]
	}

	for i, k := range keys {
		if k == prev && i+1 < len(keys) {
			next := keys[i+1]
			return t.entries[next].data, next
		}
	}

	return nil, capability.Zero
}

func (t *Table[T]) sortedKeysLocked() []capability.Cap {
	keys := make([]capability.Cap, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}

	// A stable order (numeric) makes iteration deterministic for tests and logs; it carries no
	// protocol meaning.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}

	return keys
}

// GetInvalidClient returns the first entry (after prev, or from the start if prev is Zero) whose
// identity capability no longer resolves to a live kernel object -- i.e. the client that owned it
// has died. Death detection is opportunistic: callers invoke this only after AllocClientData
// returns ErrResource, sweeping every stale entry before retrying.
func (t *Table[T]) GetInvalidClient(prev capability.Cap) (*T, capability.Cap) {
	t.mut.RLock()
	keys := t.sortedKeysLocked()
	t.mut.RUnlock()

	start := 0

	if prev != capability.Zero {
		for i, k := range keys {
			if k == prev {
				start = i + 1
				break
			}
		}
	}

	for _, k := range keys[start:] {
		t.mut.RLock()
		e, ok := t.entries[k]
		t.mut.RUnlock()

		if !ok {
			continue
		}

		if !t.kernel.Resolves(k) {
			return e.data, k
		}
	}

	return nil, capability.Zero
}

// Sweep reclaims every stale entry (per GetInvalidClient) and returns how many were freed. Called
// internally by the parent protocol dispatcher when an allocation hits ErrResource; notify is
// called once per entry, with no table lock held, before the entry is freed,
// so callers can revoke identity-visibility for the owning service (see parent.notifyService).
func (t *Table[T]) Sweep(notify func(*T)) int {
	count := 0

	for {
		data, identity := t.GetInvalidClient(capability.Zero)
		if data == nil {
			break
		}

		if notify != nil {
			notify(data)
		}

		if err := t.FreeClientData(identity); err != nil {
			break
		}

		count++
	}

	return count
}

// Publish marks a session's ServiceName as safe to read by other threads. It must be called after
// every field but ServiceName's presence has been written, mirroring the C++ MEMORY_BARRIER
// convention in parent_protocol.h: len is set last and is what readers key on.
func (s *Session) Publish() { s.published.Store(true) }

// Published reports whether the session's fields have been fully written.
func (s *Session) Published() bool { return s.published.Load() }

// NewTrace assigns a fresh debug-correlation id to the session. It is attached to log records only
// and plays no role in authorization.
func (s *Session) NewTrace() { s.traceID = uuid.New() }

// TraceID returns the session's debug-correlation id.
func (s *Session) TraceID() uuid.UUID { return s.traceID }
