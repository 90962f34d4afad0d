package cmd

import (
	"sync"

	"github.com/nulstack/corevisor/internal/capability"
	"github.com/nulstack/corevisor/internal/log"
)

// nullKernel backs the registry and parent dispatcher when there is no real microkernel beneath
// this process -- every capability this process itself allocated stays resolvable until this
// process revokes it, which is exactly what a real kernel's object table would report back for
// objects nobody else holds a reference to. SemUp is a no-op: without real blocking clients there
// is nothing to wake.
type nullKernel struct {
	mut    sync.Mutex
	dead   map[capability.Cap]bool
	logger *log.Logger
}

func newNullKernel(logger *log.Logger) *nullKernel {
	return &nullKernel{dead: make(map[capability.Cap]bool), logger: logger}
}

// Resolves reports whether cap has been revoked by this process.
func (k *nullKernel) Resolves(cap capability.Cap) bool {
	k.mut.Lock()
	defer k.mut.Unlock()

	return !k.dead[cap]
}

// Revoke marks cap dead. It never fails: this process is the sole authority over its own objects.
func (k *nullKernel) Revoke(cap capability.Cap) error {
	k.mut.Lock()
	defer k.mut.Unlock()

	k.dead[cap] = true

	return nil
}

// SemUp logs the wakeup and returns nil; there is no blocked thread to actually resume.
func (k *nullKernel) SemUp(identity capability.Cap) error {
	k.logger.Debug("nullkernel: sem up", log.String("identity", identity.String()))
	return nil
}
