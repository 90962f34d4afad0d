package module

import "testing"

func TestParseConfigBasic(t *testing.T) {
	cfg, err := ParseConfig("sigma0::cpu=1 || fs://boot/client.nul arg1 arg2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheme != "fs" {
		t.Fatalf("got scheme %q, want fs", cfg.Scheme)
	}

	if cfg.Path != "boot/client.nul" {
		t.Fatalf("got path %q, want boot/client.nul", cfg.Path)
	}

	if cfg.Args != "arg1 arg2" {
		t.Fatalf("got args %q, want %q", cfg.Args, "arg1 arg2")
	}
}

func TestParseConfigNoArgs(t *testing.T) {
	cfg, err := ParseConfig("|| rom://bootstrap")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheme != "rom" || cfg.Path != "bootstrap" {
		t.Fatalf("got scheme %q path %q", cfg.Scheme, cfg.Path)
	}

	if cfg.Args != "" {
		t.Fatalf("expected no args, got %q", cfg.Args)
	}
}

func TestParseConfigMissingSeparator(t *testing.T) {
	if _, err := ParseConfig("fs://boot/client.nul"); err != ErrNoSeparator {
		t.Fatalf("got %v, want ErrNoSeparator", err)
	}
}

func TestParseConfigMissingScheme(t *testing.T) {
	if _, err := ParseConfig("sigma0::cpu=1 || boot/client.nul"); err != ErrNoScheme {
		t.Fatalf("got %v, want ErrNoScheme", err)
	}
}

func TestParseConfigSchemeMustPrecedeFirstArg(t *testing.T) {
	// "://" appears, but only inside what would be the second argument -- not a valid scheme token.
	if _, err := ParseConfig("|| arg1 arg2://notascheme"); err != ErrNoScheme {
		t.Fatalf("got %v, want ErrNoScheme", err)
	}
}

func TestSplitConfigsSkipsBlankAndCommentLines(t *testing.T) {
	data := "# a comment\nsigma0::cpu=0 || fs://a\n\n  \nsigma0::cpu=1 || fs://b\n"

	lines := SplitConfigs(data)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}

	if lines[0] != "sigma0::cpu=0 || fs://a" || lines[1] != "sigma0::cpu=1 || fs://b" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
