package vcpu

import "testing"

func TestDecodeModRMRegForm(t *testing.T) {
	info := DecodeModRM(0xc0, true) // mod=11, reg=000, rm=000.
	if info&ModRMRegForm == 0 {
		t.Fatal("expected REG-form")
	}

	if info.DispWidth() != 0 {
		t.Fatalf("reg-form should carry no displacement, got %d", info.DispWidth())
	}
}

func TestDecodeModRMDisp8(t *testing.T) {
	info := DecodeModRM(0x45, true) // mod=01, reg=000, rm=101.
	if info&ModRMRegForm != 0 {
		t.Fatal("mod=01 is not REG-form")
	}

	if info.DispWidth() != 1 {
		t.Fatalf("got disp width %d, want 1", info.DispWidth())
	}

	if info&ModRMDefaultSS == 0 {
		t.Fatal("rm=101 with mod=01 should default to SS (BP-relative)")
	}
}

func TestDecodeModRMSIB(t *testing.T) {
	info := DecodeModRM(0x44, true) // mod=01, rm=100 -> SIB follows.
	if info&ModRMHasSIB == 0 {
		t.Fatal("rm=100 in 32-bit addressing should carry a SIB byte")
	}
}

func TestDecodeModRMDisp32NoBase(t *testing.T) {
	info := DecodeModRM(0x05, true) // mod=00, rm=101 -> disp32, no base.
	if info.DispWidth() != 4 {
		t.Fatalf("got disp width %d, want 4", info.DispWidth())
	}
}

func TestDecoderDecodesMOVAndAdvancesIP(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	// MOV r/m32, r32 (0x89), ModRM 0xc0 (reg-form, EAX <- EAX).
	fetch := []byte{0x89, 0xc0, 0x00, 0x00}

	decoded, err := d.Decode(cache, 0x1000, 0x9b, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Length != 2 {
		t.Fatalf("got length %d, want 2", decoded.Length)
	}

	v := newTestVCPU()
	v.Regs.RIP = 0

	if err := decoded.Exec(v, &decoded); err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	if v.Regs.RIP != 2 {
		t.Fatalf("RIP = %d, want 2", v.Regs.RIP)
	}
}

func TestDecoderCachesAcrossCalls(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()
	fetch := []byte{0xfa} // CLI.

	first, err := d.Decode(cache, 0x2000, 0x9b, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := d.Decode(cache, 0x2000, 0x9b, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Opcode != second.Opcode {
		t.Fatalf("cached decode mismatch: %#x vs %#x", first.Opcode, second.Opcode)
	}
}

func TestDecoderUnimplementedOpcode(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	if _, err := d.Decode(cache, 0x3000, 0x9b, []byte{0x0f, 0x05}); err == nil {
		t.Fatal("expected an error for an unimplemented opcode")
	}
}

func TestDecodeFreshInstructionCarriesImmediate(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	decoded, err := d.Decode(cache, 0x4000, 0x9b, []byte{0xcd, 0x13})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Imm != 0x13 {
		t.Fatalf("got Imm %#x, want 0x13 on a fresh (non-cached) decode", decoded.Imm)
	}
}

func TestExecADDComputesSumAndFlags(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	// ADD r/m32, r32 (0x01), ModRM 0xd8 (reg-form, reg=011=EBX, rm=000=EAX): EAX += EBX.
	decoded, err := d.Decode(cache, 0x5000, 0x9b, []byte{0x01, 0xd8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := newTestVCPU()
	v.Regs.RIP = 0
	v.Regs.RAX = 5
	v.Regs.RBX = 7
	v.Regs.RFlags = RFlagsIF // a non-ALU bit that must survive the trampoline untouched.

	if err := runASMTrampoline(v, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RAX != 12 {
		t.Fatalf("RAX = %d, want 12", v.Regs.RAX)
	}

	if v.Regs.RFlags&RFlagsIF == 0 {
		t.Fatal("runASMTrampoline must not clobber non-ALU flag bits")
	}

	if v.Regs.RFlags&RFlagsZF != 0 {
		t.Fatal("12 is nonzero, ZF should be clear")
	}

	if v.Regs.RIP != 2 {
		t.Fatalf("RIP = %d, want 2", v.Regs.RIP)
	}
}

func TestExecSUBSetsZeroFlagOnEqualOperands(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	// SUB r/m32, r32 (0x29), ModRM 0xc0 (reg-form, reg=000=EAX, rm=000=EAX): EAX -= EAX.
	decoded, err := d.Decode(cache, 0x6000, 0x9b, []byte{0x29, 0xc0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := newTestVCPU()
	v.Regs.RAX = 9

	if err := runASMTrampoline(v, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RAX != 0 {
		t.Fatalf("RAX = %d, want 0", v.Regs.RAX)
	}

	if v.Regs.RFlags&RFlagsZF == 0 {
		t.Fatal("expected ZF set after 9 - 9")
	}

	if v.Regs.RFlags&RFlagsCF != 0 {
		t.Fatal("equal operands should not set CF")
	}
}

func TestExecMOVRegToRegFormDirection(t *testing.T) {
	d := NewDecoder()
	cache := NewICache()

	// MOV r32, r/m32 (0x8b), ModRM 0xd8 (reg-form, reg=011=EBX, rm=000=EAX): EBX <- EAX.
	decoded, err := d.Decode(cache, 0x7000, 0x9b, []byte{0x8b, 0xd8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v := newTestVCPU()
	v.Regs.RAX = 0x42
	v.Regs.RBX = 0

	if err := decoded.Exec(v, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.Regs.RBX != 0x42 {
		t.Fatalf("RBX = %#x, want 0x42", v.Regs.RBX)
	}

	if v.Regs.RAX != 0x42 {
		t.Fatalf("RAX should be unchanged, got %#x", v.Regs.RAX)
	}
}
