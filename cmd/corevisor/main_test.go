package main_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulstack/corevisor/internal/cli"
	"github.com/nulstack/corevisor/internal/cli/cmd"
	"github.com/nulstack/corevisor/internal/log"
)

const testManifest = `
[boot]
cpus = 1

[[device]]
name = "pic0"
type = "pic"
irq = 32

[[device]]
name = "con0"
type = "console"
`

func writeManifest(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return path
}

func TestVMMRunsUntilCancelled(t *testing.T) {
	manifest := writeManifest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	vmm := cmd.VMM()
	fs := vmm.FlagSet()

	if err := fs.Parse([]string{"-manifest", manifest}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out bytes.Buffer

	code := vmm.Run(ctx, fs.Args(), &out, log.NewFormattedLogger(&out))
	if code != 0 {
		t.Fatalf("got exit code %d, want 0: %s", code, out.String())
	}
}

func TestVMMRequiresManifestFlag(t *testing.T) {
	vmm := cmd.VMM()

	var out bytes.Buffer

	code := vmm.Run(context.Background(), nil, &out, log.NewFormattedLogger(&out))
	if code == 0 {
		t.Fatal("expected a non-zero exit code when -manifest is missing")
	}
}

func TestSigma0RequiresFlags(t *testing.T) {
	s0 := cmd.Sigma0()

	var out bytes.Buffer

	code := s0.Run(context.Background(), nil, &out, log.NewFormattedLogger(&out))
	if code == 0 {
		t.Fatal("expected a non-zero exit code when -manifest/-modules are missing")
	}
}

func TestSigma0AssemblesRootTask(t *testing.T) {
	manifest := writeManifest(t)

	modulesPath := filepath.Join(t.TempDir(), "modules.cfg")
	modules := "sigma0::cpu=0 || rom://boot/init.nul arg1\n"

	if err := os.WriteFile(modulesPath, []byte(modules), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s0 := cmd.Sigma0()
	fs := s0.FlagSet()

	if err := fs.Parse([]string{"-manifest", manifest, "-modules", modulesPath}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out bytes.Buffer

	code := s0.Run(ctx, fs.Args(), &out, log.NewFormattedLogger(&out))
	if code != 0 {
		t.Fatalf("got exit code %d, want 0: %s", code, out.String())
	}

	if !bytes.Contains(out.Bytes(), []byte("2 devices")) {
		t.Fatalf("expected device count in output, got: %s", out.String())
	}
}

func TestHelpListsCommands(t *testing.T) {
	commands := []cli.Command{cmd.Sigma0(), cmd.VMM()}
	h := cmd.Help(commands)

	var out bytes.Buffer

	if code := h.Run(context.Background(), nil, &out, log.NewFormattedLogger(&out)); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}
