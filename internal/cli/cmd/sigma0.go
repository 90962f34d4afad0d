package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nulstack/corevisor/internal/capability"
	"github.com/nulstack/corevisor/internal/cli"
	"github.com/nulstack/corevisor/internal/config"
	"github.com/nulstack/corevisor/internal/log"
	"github.com/nulstack/corevisor/internal/module"
	"github.com/nulstack/corevisor/internal/parent"
	"github.com/nulstack/corevisor/internal/registry"
)

// Sigma0 is the root-task command: it parses a device-topology manifest and a nulconfig modules
// file, builds the capability allocator, client registry, and parent-protocol dispatcher, and
// reports what it built. It does not boot any modules -- there is no kernel underneath this
// process capable of starting one -- so its job ends where a real sigma0's would begin: the
// dispatcher and registry it constructs are the same ones a vmm process would need were this ever
// wired to a real NOVA kernel.
func Sigma0() cli.Command {
	return &sigma0{capOrder: 16, moduleSlots: 32}
}

type sigma0 struct {
	manifestPath string
	modulesPath  string
	capOrder     uint
	moduleSlots  int
}

func (sigma0) Description() string {
	return "parse a boot manifest and modules file, assemble the root-task state"
}

func (s sigma0) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
sigma0 -manifest <path> -modules <path>

Parse a device-topology manifest and a nulconfig modules file, and assemble
the capability allocator, client registry, and parent-protocol dispatcher a
root task needs.`)

	return err
}

func (s *sigma0) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("sigma0", flag.ExitOnError)

	fs.StringVar(&s.manifestPath, "manifest", "", "path to the device-topology manifest (TOML)")
	fs.StringVar(&s.modulesPath, "modules", "", "path to the nulconfig modules file")
	fs.UintVar(&s.capOrder, "cap-order", s.capOrder, "log2 size of the identity-capability window")
	fs.IntVar(&s.moduleSlots, "module-slots", s.moduleSlots, "number of module table slots")

	return fs
}

func (s *sigma0) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if s.manifestPath == "" || s.modulesPath == "" {
		fmt.Fprintln(out, "sigma0: -manifest and -modules are required")
		return 2
	}

	manifest, err := config.Load(s.manifestPath)
	if err != nil {
		logger.Error("sigma0: load manifest", log.String("err", err.Error()))
		return 1
	}

	modules, err := loadModules(s.modulesPath, s.moduleSlots)
	if err != nil {
		logger.Error("sigma0: load modules", log.String("err", err.Error()))
		return 1
	}

	kernel := newNullKernel(logger)
	caps := capability.New(capability.Cap(1), s.capOrder)
	sessions := registry.New[registry.Session](caps, kernel)
	services := registry.New[registry.Service](caps, kernel)
	dispatcher := parent.New(sessions, services, kernel, nil)

	logger.Info("sigma0: assembled root task",
		log.String("manifest", s.manifestPath),
		log.String("modules", s.modulesPath))

	fmt.Fprintf(out, "sigma0: %d devices, %d modules loaded, capability window 2^%d\n",
		len(manifest.Devices), len(modules), s.capOrder)

	for _, mod := range modules {
		fmt.Fprintf(out, "  %s\n", mod.String())
		registerModule(dispatcher, caps, mod, out, logger)
	}

	<-ctx.Done()

	return 0
}

// registerModule exercises the REGISTER path on the module's own behalf, the way sigma0 publishes
// a boot service for a module that never opens its own session: a pseudonym capability minted for
// the module, then a Register call gated by that module's own command line exactly as a real
// client's REGISTER request would be.
func registerModule(d *parent.Dispatcher, caps *capability.Allocator, mod *module.Module, out io.Writer, logger *log.Logger) {
	pseudonym, err := caps.Alloc(1)
	if err != nil {
		logger.Error("sigma0: register module: alloc pseudonym", log.String("err", err.Error()))
		return
	}

	portal, err := caps.Alloc(1)
	if err != nil {
		logger.Error("sigma0: register module: alloc portal", log.String("err", err.Error()))
		return
	}

	name := fmt.Sprintf("mod%d", mod.ID)
	cmdline := parent.Cmdline(mod.Sigma0())

	identity, code := d.Register(pseudonym, mod.CPU, cmdline, name, portal, nil)
	if code != parent.NONE {
		fmt.Fprintf(out, "    register %s: %s\n", name, code)
		return
	}

	fmt.Fprintf(out, "    register %s: ok, identity %s\n", name, identity)
}

func loadModules(path string, slots int) ([]*module.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	table := module.New(slots)

	var mods []*module.Module

	for _, line := range module.SplitConfigs(string(data)) {
		cfg, err := module.ParseConfig(line)
		if err != nil {
			return nil, fmt.Errorf("sigma0: parse modules file: %q: %w", line, err)
		}

		mod, err := table.Alloc(cfg.Raw, cfg.SigmaCmdLen, false)
		if err != nil {
			return nil, fmt.Errorf("sigma0: allocate module: %q: %w", line, err)
		}

		mods = append(mods, mod)
	}

	return mods, nil
}
