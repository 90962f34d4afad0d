package capability_test

import (
	"errors"
	"testing"

	"github.com/nulstack/corevisor/internal/capability"
)

func TestAllocFree(t *testing.T) {
	a := capability.New(0x1000, 8) // window of 256 caps

	c1, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if c1 < 0x1000 {
		t.Fatalf("alloc returned cap outside window: %s", c1)
	}

	c2, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if c1 == c2 {
		t.Fatalf("alloc returned the same cap twice: %s", c1)
	}

	if err := a.Free(c1, 1); err != nil {
		t.Fatalf("free: %s", err)
	}

	c3, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if c3 != c1 {
		t.Errorf("expected freed cap to be reused: got %s, want %s", c3, c1)
	}
}

func TestAllocMultiple(t *testing.T) {
	a := capability.New(0, 4) // window of 16 caps

	base, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if base%4 != 0 {
		t.Errorf("expected naturally aligned base, got %s", base)
	}
}

func TestExhausted(t *testing.T) {
	a := capability.New(0, 1) // window of 2 caps

	if _, err := a.Alloc(1); err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if _, err := a.Alloc(1); err != nil {
		t.Fatalf("alloc: %s", err)
	}

	if _, err := a.Alloc(1); !errors.Is(err, capability.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestFreeOutsideWindow(t *testing.T) {
	a := capability.New(0x100, 4)

	if err := a.Free(0, 1); !errors.Is(err, capability.ErrRange) {
		t.Errorf("expected ErrRange, got %v", err)
	}
}
