package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulstack/corevisor/internal/cli"
	"github.com/nulstack/corevisor/internal/config"
	"github.com/nulstack/corevisor/internal/device"
	"github.com/nulstack/corevisor/internal/log"
	"github.com/nulstack/corevisor/internal/motherboard"
	"github.com/nulstack/corevisor/internal/tty"
	"github.com/nulstack/corevisor/internal/vcpu"
)

// defaultBIOSBase is the real-mode reset-vector alias the trampoline's stub lives at, matching the
// VCPU's own power-on CS:IP (0xf000:0xfff0 -> linear 0xffff0).
const defaultBIOSBase = 0xffff0

// vmmTick is how often an idle VCPU worker polls for a pending event -- short enough that an
// injected interrupt is delivered promptly, long enough not to busy-spin a host core per guest
// CPU.
const vmmTick = 2 * time.Millisecond

// vmmStepsPerTick bounds how many instructions a VCPU worker retires per tick before yielding back
// to the event poll, so a long run of guest code never starves event delivery.
const vmmStepsPerTick = 1000

// VMM is the machine-execution command: it assembles a Machine from a device-topology manifest,
// builds one VCPU per configured CPU, and runs one cooperatively-yielded worker goroutine per
// VCPU (the Go analogue of "each physical CPU owns a worker thread") until cancelled.
func VMM() cli.Command {
	return &vmm{}
}

type vmm struct {
	manifestPath string
	cpus         int
	interactive  bool
}

func (vmm) Description() string {
	return "assemble a machine from a manifest and run its VCPU workers"
}

func (m vmm) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
vmm -manifest <path> [-cpus N] [-interactive]

Assemble the device fabric described by the manifest, build N VCPUs (default:
the manifest's boot.cpus), and run one worker per VCPU until interrupted. With
-interactive, the host terminal is put in raw mode and bridged to the
manifest's keyboard and console devices, if it has one of each.`)

	return err
}

func (m *vmm) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("vmm", flag.ExitOnError)

	fs.StringVar(&m.manifestPath, "manifest", "", "path to the device-topology manifest (TOML)")
	fs.IntVar(&m.cpus, "cpus", 0, "number of VCPUs to run (0: use the manifest's boot.cpus)")
	fs.BoolVar(&m.interactive, "interactive", false, "bridge the host terminal to the keyboard/console devices")

	return fs
}

func (m *vmm) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if m.manifestPath == "" {
		fmt.Fprintln(out, "vmm: -manifest is required")
		return 2
	}

	manifest, err := config.Load(m.manifestPath)
	if err != nil {
		logger.Error("vmm: load manifest", log.String("err", err.Error()))
		return 1
	}

	machine, err := motherboard.New(manifest)
	if err != nil {
		logger.Error("vmm: assemble machine", log.String("err", err.Error()))
		return 1
	}
	defer machine.Close()

	cpus := m.cpus
	if cpus == 0 {
		cpus = manifest.Boot.CPUs
	}

	if cpus == 0 {
		cpus = 1
	}

	machine.BuildVCPUs(cpus)
	machine.BIOSTrampoline.Relocate(defaultBIOSBase)

	if err := attachGSI(machine); err != nil {
		logger.Warn("vmm: gsi forwarder not attached", log.String("err", err.Error()))
	}

	if m.interactive {
		done, err := attachConsole(ctx, machine)
		if err != nil {
			logger.Warn("vmm: console not attached", log.String("err", err.Error()))
		} else {
			defer done()
		}
	}

	fmt.Fprintf(out, "vmm: running %d vcpus, %d devices\n", len(machine.VCPUs), len(machine.Devices))

	g, gctx := errgroup.WithContext(ctx)

	for _, v := range machine.VCPUs {
		v := v

		g.Go(func() error {
			return runVCPU(gctx, v, logger)
		})
	}

	<-ctx.Done()

	if err := g.Wait(); err != nil {
		logger.Error("vmm: vcpu worker failed", log.String("err", err.Error()))
		return 1
	}

	return 0
}

// runVCPU is one VCPU's worker loop: on every tick it polls Exit for a pending event, then drives
// Step up to vmmStepsPerTick times while the VCPU is running, logging whatever event was delivered
// and any step failure, until ctx is cancelled. Polling rather than blocking on a wakeup channel is
// an adaptation -- there is no host hardware VM-exit to block on here, so a tick is this port's
// stand-in for one.
func runVCPU(ctx context.Context, v *vcpu.VCPU, logger *log.Logger) error {
	ticker := time.NewTicker(vmmTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if ev := v.Exit(); ev != vcpu.EventNone {
				logger.Debug(fmt.Sprintf("vmm: vcpu %d event %s", v.ID, ev.String()))
			}

			for i := 0; i < vmmStepsPerTick && v.IsRunning(); i++ {
				if err := v.Step(); err != nil {
					logger.Error(fmt.Sprintf("vmm: vcpu %d step failed", v.ID), log.String("err", err.Error()))
					break
				}
			}
		}
	}
}

// attachConsole bridges the host terminal to the machine's keyboard and console devices, if it has
// one of each: keystrokes read from stdin are delivered to the keyboard, and every cell the guest
// writes to the console is echoed to the terminal. It is a no-op, returning a no-op done func, if
// the manifest lacks either device or stdin is not a terminal.
func attachConsole(ctx context.Context, machine *motherboard.Machine) (func(), error) {
	if machine.Keyboard == nil || machine.ConsoleDevice == nil {
		return func() {}, nil
	}

	_, console, done := tty.WithConsole(ctx, machine.Keyboard)
	if console == nil {
		return func() {}, tty.ErrNoTTY
	}

	writer := console.Writer()

	machine.ConsoleDevice.Listen(func(cell device.MessageDisplay) {
		fmt.Fprintf(writer, "%c", rune(cell.Char))
	})

	return done, nil
}

// attachGSI wires a GSI forwarder to the machine's single PIC, if it has exactly one, using a
// host-op client over the machine's host-op bus. Without a real host backing this process, the
// forwarder's source never produces events; it exists so the forwarding path -- and the root
// task's AttachIRQ grant it depends on -- is exercised end to end rather than left unwired.
func attachGSI(machine *motherboard.Machine) error {
	if len(machine.PICs) != 1 {
		return nil
	}

	var pic *device.PIC
	for _, p := range machine.PICs {
		pic = p
	}

	host := device.NewHostOpClient(machine.Buses.HostOp)
	source := device.NewChanGSISource(1)

	return machine.AttachGSIForwarder(pic, host, source)
}
