package module

import "testing"

func TestCmdlineHasRequiresWordBoundary(t *testing.T) {
	c := Cmdline("sigma0::dma quota::guid=1")

	if !c.Has("sigma0::dma", "") {
		t.Fatal("expected sigma0::dma to be present")
	}

	if c.Has("0::dma", "") {
		t.Fatal("a mid-word match must not count as present")
	}
}

func TestCmdlineGetReturnsWordAfterPrefix(t *testing.T) {
	c := Cmdline("sigma0::cpu=3 name::foo/bar")

	v, ok := c.Get("sigma0::cpu")
	if !ok || v != "=3" {
		t.Fatalf("got (%q, %v), want (\"=3\", true)", v, ok)
	}
}

func TestCmdlineGetAbsentPrefix(t *testing.T) {
	c := Cmdline("sigma0::dma")

	if _, ok := c.Get("sigma0::cpu"); ok {
		t.Fatal("expected sigma0::cpu to be absent")
	}
}

func TestCmdlineAffinityCPUDefaultsToZero(t *testing.T) {
	c := Cmdline("sigma0::dma")

	if got := c.AffinityCPU(); got != 0 {
		t.Fatalf("got %d, want 0 when sigma0::cpu is absent", got)
	}
}

func TestCmdlineAffinityCPUParsesValue(t *testing.T) {
	c := Cmdline("sigma0::cpu=7 sigma0::dma")

	if got := c.AffinityCPU(); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}
