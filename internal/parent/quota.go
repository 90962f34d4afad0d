package parent

import (
	"strings"

	"github.com/nulstack/corevisor/internal/capability"
)

// QuotaResolver answers a delta charge against a named resource for a client, identified by its
// pseudonym and its command line. A negative delta releases a prior charge. The returned int64 is
// the resource-specific reply value (e.g. GET_QUOTA's "guid" echoes the pseudonym); it is
// meaningless when Code != NONE.
type QuotaResolver interface {
	Quota(pseudonym capability.Cap, cmdline Cmdline, name string, delta int64) (int64, Code)
}

// DefaultQuotaResolver implements the get_quota policy: "mem" and "cap" are unmetered -- charging
// always succeeds, since neither the upstream implementation nor this one tracks a real budget
// for them -- "guid" is gated by the "quota::guid" token and echoes the caller's pseudonym,
// "disk::<name>" and the numeric "sigma0::drive:<n>" back-compat alias are gated by matching
// command-line tokens, and "diskadd" is a bare token gate.
type DefaultQuotaResolver struct{}

func (DefaultQuotaResolver) Quota(pseudonym capability.Cap, cmdline Cmdline, name string, delta int64) (int64, Code) {
	switch {
	case name == "mem" || name == "cap":
		return delta, NONE

	case name == "guid":
		if cmdline.Has("quota::guid", "") {
			return int64(pseudonym), NONE
		}

		return 0, RESOURCE

	case name == "diskadd":
		if cmdline.Has("diskadd", "") {
			return delta, NONE
		}

		return 0, RESOURCE

	case strings.HasPrefix(name, "disk::"):
		diskName := name[len("disk::"):]

		if cmdline.Has("disk::", diskName) {
			return delta, NONE
		}

		if len(diskName) == 1 && diskName[0] >= '0' && diskName[0] <= '9' && cmdline.Has("sigma0::drive:", diskName) {
			return delta, NONE
		}

		return 0, RESOURCE

	default:
		return 0, RESOURCE
	}
}

// QuotaGuard charges a sequence of resource deltas with two-phase commit: each Charge either
// succeeds and is recorded for rollback, or fails immediately. If a later step in the same
// operation fails, the caller invokes Rollback to undo every charge already made; otherwise it
// calls Commit, which simply forgets the rollback log. Grounded on the QuotaGuard<ServerData>
// RAII helper in the REGISTER path this is ported from.
type QuotaGuard struct {
	resolver  QuotaResolver
	pseudonym capability.Cap
	cmdline   Cmdline
	charged   []charge
}

type charge struct {
	name  string
	delta int64
}

// NewQuotaGuard creates a guard charging resources on behalf of pseudonym, evaluated against
// cmdline.
func NewQuotaGuard(resolver QuotaResolver, pseudonym capability.Cap, cmdline Cmdline) *QuotaGuard {
	return &QuotaGuard{resolver: resolver, pseudonym: pseudonym, cmdline: cmdline}
}

// Charge attempts to charge delta against the named resource. On success the charge is recorded
// so Rollback can undo it later.
func (g *QuotaGuard) Charge(name string, delta int64) Code {
	if _, code := g.resolver.Quota(g.pseudonym, g.cmdline, name, delta); code != NONE {
		return code
	}

	g.charged = append(g.charged, charge{name: name, delta: delta})

	return NONE
}

// Rollback reverses every charge made so far, in reverse order.
func (g *QuotaGuard) Rollback() {
	for i := len(g.charged) - 1; i >= 0; i-- {
		c := g.charged[i]
		g.resolver.Quota(g.pseudonym, g.cmdline, c.name, -c.delta)
	}

	g.charged = nil
}

// Commit finalizes every charge made so far: nothing further happens, it only clears the log so a
// deferred Rollback becomes a no-op.
func (g *QuotaGuard) Commit() {
	g.charged = nil
}
