// Package parent implements the parent protocol dispatcher: the single entry
// point a client invokes to open a session with a service, register as one, and manage the
// session lifecycle in between. It is the glue between the capability allocator, the region
// allocators, and the client registry.
//
// Every operation here completes, returns a Code from the fixed taxonomy, or -- for a client that
// violates the wire format badly enough -- is expected to be escalated by the caller into killing
// the offending module; this package never kills anything itself.
package parent

import (
	"sync/atomic"

	"github.com/nulstack/corevisor/internal/capability"
	"github.com/nulstack/corevisor/internal/log"
	"github.com/nulstack/corevisor/internal/registry"
)

// Op is the first word of a parent-protocol request, selecting the operation.
type Op uint32

// Wire op codes, fixed by the protocol.
const (
	OpOpen       Op = 2
	OpClose      Op = 3
	OpGetPortal  Op = 4
	OpRegister   Op = 5
	OpUnregister Op = 6
	OpGetQuota   Op = 7
	OpSingleton  Op = 8
	OpReqKill    Op = 9
	OpSignal     Op = 10
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "OPEN"
	case OpClose:
		return "CLOSE"
	case OpGetPortal:
		return "GET_PORTAL"
	case OpRegister:
		return "REGISTER"
	case OpUnregister:
		return "UNREGISTER"
	case OpGetQuota:
		return "GET_QUOTA"
	case OpSingleton:
		return "SINGLETON"
	case OpReqKill:
		return "REQ_KILL"
	case OpSignal:
		return "SIGNAL"
	default:
		return "UNKNOWN"
	}
}

// Code is the parent protocol's fixed error taxonomy, returned in the first reply word.
type Code uint32

const (
	NONE Code = iota
	PROTO
	PERM
	RETRY
	ABORT
	RESOURCE
	EXISTS
)

var codeNames = [...]string{"NONE", "PROTO", "PERM", "RETRY", "ABORT", "RESOURCE", "EXISTS"}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}

	return "CODE(?)"
}

// Error implements error so a Code can be returned and compared directly with errors.Is. NONE is
// deliberately not an error-shaped success: callers compare against NONE explicitly, matching a
// plain ordinary-return-code convention rather than an error/no-error split.
func (c Code) Error() string { return "parent: " + c.String() }

// Singleton sub-operations for the SINGLETON request.
const (
	SingletonSet = 1
	SingletonGet = 2
)

// Kernel abstracts the microkernel operations the dispatcher needs beyond what the registry
// already requires: posting a client's wait semaphore when a service it is waiting for appears.
type Kernel interface {
	registry.Kernel

	// SemUp wakes whatever is blocked on identity's semaphore.
	SemUp(identity capability.Cap) error
}

// Dispatcher serves parent-protocol requests against a pair of registry tables.
type Dispatcher struct {
	sessions *registry.Table[registry.Session]
	services *registry.Table[registry.Service]
	kernel   Kernel
	quota    QuotaResolver
	log      *log.Logger
}

// New constructs a Dispatcher. A nil quota uses DefaultQuotaResolver.
func New(sessions *registry.Table[registry.Session], services *registry.Table[registry.Service], kernel Kernel, quota QuotaResolver) *Dispatcher {
	if quota == nil {
		quota = DefaultQuotaResolver{}
	}

	return &Dispatcher{
		sessions: sessions,
		services: services,
		kernel:   kernel,
		quota:    quota,
		log:      log.DefaultLogger(),
	}
}

// Open handles OPEN: it checks the caller's command-line grants, returns an existing session's
// identity cap if one already exists for (pseudonym, name), and otherwise allocates a fresh one.
func (d *Dispatcher) Open(pseudonym capability.Cap, cmdline Cmdline, request string, instance int) (capability.Cap, Code) {
	tail, ok := CheckPermission(cmdline, request, instance)
	if !ok {
		return capability.Zero, PERM
	}

	for sess, id := d.sessions.Next(capability.Zero); sess != nil; sess, id = d.sessions.Next(id) {
		if sess.Pseudonym == pseudonym && sess.Published() && sess.ServiceName == tail {
			return sess.Identity, NONE
		}
	}

	sess, err := registry.AllocClientData(d.sessions, pseudonym, func() *registry.Session {
		return &registry.Session{Pseudonym: pseudonym}
	})
	if err != nil {
		count := d.sessions.Sweep(d.notifyService)
		if count > 0 {
			return capability.Zero, RETRY
		}

		return capability.Zero, RESOURCE
	}

	sess.ServiceName = tail
	sess.Publish()

	return sess.Identity, NONE
}

// Close handles CLOSE: it notifies the owning service of the client's departure, then frees the
// session -- which is also what revokes the identity cap the service compares against.
//
// XXX: Race -- notifyService only flags the service's mem-revoke marker here; the identity cap
// itself is revoked by FreeClientData below, so a service polling Resolves between these two
// steps still sees a live client. Whether that window matters depends on the service's own
// protocol and is not silently "fixed" here.
func (d *Dispatcher) Close(identity capability.Cap) Code {
	sess, err := d.sessions.GetClientData(identity)
	if err != nil {
		return PROTO
	}

	d.notifyService(sess)

	if err := d.sessions.FreeClientData(identity); err != nil {
		return PROTO
	}

	return NONE
}

// GetPortal handles GET_PORTAL: look up the caller's session, then scan the service table for a
// provider on the requesting CPU with a matching name. A provider whose portal capability no
// longer resolves is swept and RETRY is returned so the caller tries again once a fresh provider
// registers.
func (d *Dispatcher) GetPortal(identity capability.Cap, cpu uint32) (capability.Cap, Code) {
	sess, err := d.sessions.GetClientData(identity)
	if err != nil {
		return capability.Zero, PROTO
	}

	for svc, id := d.services.Next(capability.Zero); svc != nil; svc, id = d.services.Next(id) {
		if !svc.Published() || svc.CPU != cpu || svc.ServiceName != sess.ServiceName {
			continue
		}

		if !d.kernel.Resolves(svc.Portal) {
			_ = d.services.FreeClientData(svc.Identity)
			return capability.Zero, RETRY
		}

		return svc.Portal, NONE
	}

	return capability.Zero, RETRY
}

// Register handles REGISTER: the caller's command line must grant a namespace, which is
// prepended to serviceName to form the full, client-visible name. Memory and capability quotas
// are charged through a QuotaGuard before the service entry is allocated, and rolled back if
// allocation or a duplicate-registration check fails.
func (d *Dispatcher) Register(pseudonym capability.Cap, cpu uint32, cmdline Cmdline, serviceName string, portal capability.Cap, memRevoke *atomic.Bool) (capability.Cap, Code) {
	namespace, ok := cmdline.Get("namespace::")
	if !ok {
		return capability.Zero, PERM
	}

	fullName := namespace + serviceName

	guard := NewQuotaGuard(d.quota, pseudonym, cmdline)

	if code := guard.Charge("mem", int64(len(fullName))); code != NONE {
		return capability.Zero, code
	}

	if code := guard.Charge("cap", 1); code != NONE {
		guard.Rollback()
		return capability.Zero, code
	}

	svc, err := registry.AllocClientData(d.services, pseudonym, func() *registry.Service {
		return &registry.Service{Session: registry.Session{Pseudonym: pseudonym}}
	})
	if err != nil {
		guard.Rollback()

		count := d.services.Sweep(nil)
		if count > 0 {
			return capability.Zero, RETRY
		}

		return capability.Zero, RESOURCE
	}

	guard.Commit()

	svc.CPU = cpu
	svc.Portal = portal
	svc.FullName = fullName
	svc.ServiceName = fullName
	svc.MemRevoke = memRevoke

	for other, id := d.services.Next(capability.Zero); other != nil; other, id = d.services.Next(id) {
		if other.Identity != svc.Identity && other.Published() && other.ServiceName == fullName && other.CPU == cpu {
			_, _ = d.freeService(svc)
			return capability.Zero, EXISTS
		}
	}

	svc.Publish()

	for sess, id := d.sessions.Next(capability.Zero); sess != nil; sess, id = d.sessions.Next(id) {
		if sess.Published() && sess.ServiceName == fullName {
			if err := d.kernel.SemUp(sess.Identity); err != nil {
				d.log.Error("parent: semup failed waking waiting session",
					log.String("identity", sess.Identity.String()), log.String("err", err.Error()))
			}
		}
	}

	return svc.Identity, NONE
}

// Unregister handles UNREGISTER.
func (d *Dispatcher) Unregister(identity capability.Cap) Code {
	svc, err := d.services.GetClientData(identity)
	if err != nil {
		return PROTO
	}

	_, code := d.freeService(svc)

	return code
}

// freeService refunds the service's quota charges and frees its entry.
func (d *Dispatcher) freeService(svc *registry.Service) (capability.Cap, Code) {
	guard := NewQuotaGuard(d.quota, svc.Pseudonym, "")
	guard.Charge("cap", -1)
	guard.Charge("mem", -int64(len(svc.FullName)))
	guard.Commit()

	identity := svc.Identity

	if err := d.services.FreeClientData(identity); err != nil {
		return capability.Zero, PROTO
	}

	return identity, NONE
}

// Singleton handles SINGLETON {SET, GET}: associating a client-provided capability with the
// caller's own session.
func (d *Dispatcher) Singleton(identity capability.Cap, op int, singleton capability.Cap) (capability.Cap, Code) {
	sess, err := d.sessions.GetClientData(identity)
	if err != nil {
		return capability.Zero, PROTO
	}

	switch op {
	case SingletonSet:
		if singleton == capability.Zero {
			return capability.Zero, PROTO
		}

		sess.Singleton = singleton

		return capability.Zero, NONE
	case SingletonGet:
		return sess.Singleton, NONE
	default:
		return capability.Zero, PROTO
	}
}

// GetQuota handles GET_QUOTA: delegated entirely to the resolver's policy.
func (d *Dispatcher) GetQuota(identity capability.Cap, cmdline Cmdline, name string, delta int64) (int64, Code) {
	sess, err := d.sessions.GetClientData(identity)
	if err != nil {
		return 0, PROTO
	}

	return d.quota.Quota(sess.Pseudonym, cmdline, name, delta)
}

// ReqKill handles REQ_KILL: every session whose pseudonym is the target client is notified and
// freed, as if the owning client had closed them itself.
func (d *Dispatcher) ReqKill(target capability.Cap) Code {
	var dying []capability.Cap

	for sess, id := d.sessions.Next(capability.Zero); sess != nil; sess, id = d.sessions.Next(id) {
		if sess.Pseudonym == target {
			dying = append(dying, sess.Identity)
		}
	}

	for _, identity := range dying {
		sess, err := d.sessions.GetClientData(identity)
		if err != nil {
			continue
		}

		// XXX: Race -- see Close.
		d.notifyService(sess)
		_ = d.sessions.FreeClientData(identity)
	}

	return NONE
}

// Signal handles SIGNAL: the client cannot post its own semaphore (insufficient permission by
// construction), so it asks the parent to do it.
func (d *Dispatcher) Signal(identity capability.Cap) Code {
	if err := d.kernel.SemUp(identity); err != nil {
		return PROTO
	}

	return NONE
}

// notifyService flags the mem-revoke marker of every published service matching sess's name, so
// that service can notice its client is gone and release memory it mapped on the client's behalf.
func (d *Dispatcher) notifyService(sess *registry.Session) {
	for svc, id := d.services.Next(capability.Zero); svc != nil; svc, id = d.services.Next(id) {
		if svc.Published() && svc.ServiceName == sess.ServiceName && svc.MemRevoke != nil {
			svc.MemRevoke.Store(true)
		}
	}
}
