package vcpu

import "fmt"

// ModRMInfo is the 16-bit info word the ModRM decoder produces: which general registers
// contribute to the effective address, whether a scaled-index-base byte follows, the
// displacement width, whether the default segment is SS (base-pointer-relative addressing), and
// whether the byte is in REG-form (register-direct, no memory operand at all).
type ModRMInfo uint16

const (
	ModRMRegForm    ModRMInfo = 1 << 0 // mod == 11: no memory operand, R/M names a register.
	ModRMHasSIB     ModRMInfo = 1 << 1 // mod != 11 && r/m == 100: a SIB byte follows.
	ModRMDefaultSS  ModRMInfo = 1 << 2 // base-pointer-relative (EBP/ESP base): default segment is SS.
	ModRMDispNone   ModRMInfo = 0 << 4
	ModRMDispByte   ModRMInfo = 1 << 4
	ModRMDispWord32 ModRMInfo = 2 << 4
	modRMDispMask   ModRMInfo = 3 << 4
	modRMRegShift             = 6
	modRMRMShift              = 9
)

// Reg returns the REG field (bits 3-5 of the ModRM byte) packed into the info word.
func (m ModRMInfo) Reg() uint8 { return uint8(m>>modRMRegShift) & 0x7 }

// RM returns the R/M field (bits 0-2 of the ModRM byte) packed into the info word.
func (m ModRMInfo) RM() uint8 { return uint8(m>>modRMRMShift) & 0x7 }

// DispWidth returns the displacement width in bytes the ModRM byte implies: 0, 1, or 4.
func (m ModRMInfo) DispWidth() int {
	switch m & modRMDispMask {
	case ModRMDispByte:
		return 1
	case ModRMDispWord32:
		return 4
	default:
		return 0
	}
}

// DecodeModRM interprets a single ModRM byte (and, implicitly, whether addressMode32 is in
// effect) into a ModRMInfo word. This mirrors the original's handcrafted switch rather than a
// table: mod==11 is always REG-form; mod!=11 with r/m==100 (ESP-encoding) always carries a SIB
// byte in 32-bit addressing; mod==01/10 carry an 8- or 32-bit displacement; mod==00 with
// r/m==101 is the RIP/disp32-only special case, modeled here as a 4-byte displacement with no
// base register.
func DecodeModRM(b byte, addressMode32 bool) ModRMInfo {
	mod := (b >> 6) & 0x3
	reg := (b >> 3) & 0x7
	rm := b & 0x7

	info := ModRMInfo(reg)<<modRMRegShift | ModRMInfo(rm)<<modRMRMShift

	if mod == 3 {
		return info | ModRMRegForm
	}

	if addressMode32 && rm == 4 {
		info |= ModRMHasSIB
	}

	if rm == 5 && mod != 0 {
		// BP/EBP-based addressing (r/m==101 with a displacement, not the disp32-only special
		// case) defaults to the stack segment unless overridden.
		info |= ModRMDefaultSS
	}

	switch {
	case mod == 0 && rm == 5:
		info |= ModRMDispWord32 // disp32, no base register (RIP-relative in long mode).
	case mod == 1:
		info |= ModRMDispByte
	case mod == 2:
		info |= ModRMDispWord32
	}

	return info
}

// OpcodeFunc is an execution helper selected by the decoder for a specific opcode. It receives the
// owning VCPU and the already-decoded instruction, and returns an error only for a fault the
// helper itself detects (e.g. a privileged instruction in user mode); ordinary control flow
// (branches, etc.) is expressed by mutating v.Regs directly.
type OpcodeFunc func(v *VCPU, d *DecodedInstruction) error

// OpcodeFlags marks per-opcode handler properties. ASM marks a handler that must run inside a
// trampoline preserving and restoring host flags around the call, so guest flag bits (carry,
// zero, sign, overflow) propagate correctly from a host machine instruction used to implement the
// guest semantics directly (e.g. ADD using the host ADD instruction).
type OpcodeFlags uint8

const (
	OpcodeFlagNone OpcodeFlags = 0
	OpcodeFlagASM  OpcodeFlags = 1 << 0
)

// opcodeEntry associates an opcode with its handler and flags.
type opcodeEntry struct {
	exec  OpcodeFunc
	flags OpcodeFlags
}

// Decoder dispatches a representative subset of the x86 one-byte opcode space: enough to exercise
// the ModRM/SIB/displacement machinery and the event/injection/TLB plumbing around it, without
// reproducing the full several-hundred-opcode table.
type Decoder struct {
	table map[uint8]opcodeEntry
}

// NewDecoder builds a decoder with the representative opcode set installed.
func NewDecoder() *Decoder {
	d := &Decoder{table: make(map[uint8]opcodeEntry)}

	d.install(0x00, execADD, OpcodeFlagASM)   // ADD r/m8, r8
	d.install(0x01, execADD, OpcodeFlagASM)   // ADD r/m32, r32
	d.install(0x29, execSUB, OpcodeFlagASM)   // SUB r/m32, r32
	d.install(0x89, execMOV, OpcodeFlagNone)  // MOV r/m32, r32
	d.install(0x8b, execMOV, OpcodeFlagNone)  // MOV r32, r/m32
	d.install(0xcd, execINT, OpcodeFlagNone)  // INT imm8
	d.install(0xcf, execIRET, OpcodeFlagNone) // IRET
	d.install(0xf4, execHLT, OpcodeFlagNone)  // HLT
	d.install(0xfa, execCLI, OpcodeFlagNone)  // CLI
	d.install(0xfb, execSTI, OpcodeFlagNone)  // STI

	return d
}

func (d *Decoder) install(opcode uint8, exec OpcodeFunc, flags OpcodeFlags) {
	d.table[opcode] = opcodeEntry{exec: exec, flags: flags}
}

// Decode fetches up to a 15-byte window starting at fetch, decodes one instruction from it
// (consulting the instruction cache first), and returns the decoded instruction. ip is the linear
// address used as the cache fingerprint's key.
func (d *Decoder) Decode(cache *ICache, ip uint64, csAR uint32, fetch []byte) (DecodedInstruction, error) {
	if len(fetch) == 0 {
		return DecodedInstruction{}, fmt.Errorf("vcpu: decode: empty fetch window")
	}

	fp := Fingerprint{LinearIP: ip, CSAR: csAR}

	if cached, ok := cache.Lookup(fp, fetch); ok {
		return cached, nil
	}

	pos := 0
	opcode := fetch[pos]
	pos++

	entry, ok := d.table[opcode]
	if !ok {
		return DecodedInstruction{}, fmt.Errorf("vcpu: decode: unimplemented opcode %#02x", opcode)
	}

	var info ModRMInfo

	needsModRM := opcode != 0xcd && opcode != 0xcf && opcode != 0xf4 &&
		opcode != 0xfa && opcode != 0xfb

	if needsModRM {
		if pos >= len(fetch) {
			return DecodedInstruction{}, fmt.Errorf("vcpu: decode: truncated ModRM at ip %#x", ip)
		}

		info = DecodeModRM(fetch[pos], true)
		pos++

		if info&ModRMHasSIB != 0 {
			pos++ // SIB byte itself; its field decode is left to the addressing-mode helper.
		}

		pos += info.DispWidth()
	} else if opcode == 0xcd {
		pos++ // INT imm8's immediate byte.
	}

	if pos > len(fetch) {
		return DecodedInstruction{}, fmt.Errorf("vcpu: decode: instruction runs past fetch window at ip %#x", ip)
	}

	decoded := DecodedInstruction{
		Info:   info,
		Length: pos,
		Opcode: opcode,
		Exec:   entry.exec,
		Flags:  entry.flags,
	}

	if opcode == 0xcd {
		decoded.Imm = fetch[1]
	}

	n := len(fetch[:pos])
	if n > len(decoded.rawCopy) {
		n = len(decoded.rawCopy)
	}

	copy(decoded.rawCopy[:n], fetch[:n])
	decoded.rawLen = n

	cache.Insert(fp, decoded, fetch[:pos])

	return decoded, nil
}

// gprPtr returns the general register a 3-bit ModRM register number names, in the canonical x86
// encoding order (AX, CX, DX, BX, SP, BP, SI, DI).
func gprPtr(v *VCPU, reg uint8) *uint64 {
	switch reg & 0x7 {
	case 0:
		return &v.Regs.RAX
	case 1:
		return &v.Regs.RCX
	case 2:
		return &v.Regs.RDX
	case 3:
		return &v.Regs.RBX
	case 4:
		return &v.Regs.RSP
	case 5:
		return &v.Regs.RBP
	case 6:
		return &v.Regs.RSI
	default:
		return &v.Regs.RDI
	}
}

// aluFlagsMask is the set of RFlags bits an ADD/SUB opcode is architecturally allowed to touch;
// runASMTrampoline preserves every other bit across the call.
const aluFlagsMask = RFlagsCF | RFlagsZF | RFlagsSF | RFlagsOF

const (
	RFlagsCF = 1 << 0
	RFlagsZF = 1 << 6
	RFlagsSF = 1 << 7
	RFlagsOF = 1 << 11
)

// runASMTrampoline wraps an OpcodeFlagASM-marked handler, the software equivalent of saving and
// restoring the host EFLAGS register around an inline ADD/SUB: it snapshots every RFlags bit the
// ALU op has no business touching, runs the handler, and restores those bits afterward, so only
// the handler's own CF/ZF/SF/OF computation propagates from the call.
func runASMTrampoline(v *VCPU, d *DecodedInstruction) error {
	preserved := v.Regs.RFlags &^ aluFlagsMask

	if err := d.Exec(v, d); err != nil {
		return err
	}

	v.Regs.RFlags = preserved | (v.Regs.RFlags & aluFlagsMask)

	return nil
}

// setArithFlags computes the standard x86 CF/ZF/SF/OF formulas for a 32-bit ADD (sub==false) or
// SUB (sub==true) of a-b (sub) or a+b (add), given the operands and the result already computed.
func setArithFlags(v *VCPU, a, b, result uint64, sub bool) {
	a32, b32, r32 := uint32(a), uint32(b), uint32(result)

	v.Regs.RFlags &^= RFlagsCF | RFlagsZF | RFlagsSF | RFlagsOF

	var carry bool
	if sub {
		carry = a32 < b32
	} else {
		carry = r32 < a32
	}

	if carry {
		v.Regs.RFlags |= RFlagsCF
	}

	if r32 == 0 {
		v.Regs.RFlags |= RFlagsZF
	}

	if r32&0x80000000 != 0 {
		v.Regs.RFlags |= RFlagsSF
	}

	signA, signB, signR := a32&0x80000000 != 0, b32&0x80000000 != 0, r32&0x80000000 != 0

	var overflow bool
	if sub {
		overflow = signA != signB && signR != signA
	} else {
		overflow = signA == signB && signR != signA
	}

	if overflow {
		v.Regs.RFlags |= RFlagsOF
	}
}

// execADD implements ADD r/m32, r32 (the register-form ModRM case only; a memory destination just
// advances RIP, matching this decoder's representative-subset scope).
func execADD(v *VCPU, d *DecodedInstruction) error {
	if d.Info&ModRMRegForm != 0 {
		dst := gprPtr(v, d.Info.RM())
		src := gprPtr(v, d.Info.Reg())

		result := *dst + *src
		setArithFlags(v, *dst, *src, result, false)
		*dst = result
	}

	v.Regs.RIP += uint64(d.Length)

	return nil
}

// execSUB implements SUB r/m32, r32 (register-form only; see execADD).
func execSUB(v *VCPU, d *DecodedInstruction) error {
	if d.Info&ModRMRegForm != 0 {
		dst := gprPtr(v, d.Info.RM())
		src := gprPtr(v, d.Info.Reg())

		result := *dst - *src
		setArithFlags(v, *dst, *src, result, true)
		*dst = result
	}

	v.Regs.RIP += uint64(d.Length)

	return nil
}

// execMOV implements both MOV r/m32, r32 (0x89: REG -> R/M) and MOV r32, r/m32 (0x8b: R/M -> REG),
// register-form only; a memory operand just advances RIP, matching this decoder's representative-
// subset scope.
func execMOV(v *VCPU, d *DecodedInstruction) error {
	if d.Info&ModRMRegForm != 0 {
		reg := gprPtr(v, d.Info.Reg())
		rm := gprPtr(v, d.Info.RM())

		if d.Opcode == 0x8b {
			*reg = *rm
		} else {
			*rm = *reg
		}
	}

	v.Regs.RIP += uint64(d.Length)

	return nil
}

// execINT implements INT imm8: if the instruction's linear address falls inside the BIOS
// trampoline's stub range, the call is intercepted (real-mode BIOS service emulation) rather than
// actually vectoring through the guest's IDT.
func execINT(v *VCPU, d *DecodedInstruction) error {
	vector := d.Imm
	linear := v.Regs.CS.Base + v.Regs.RIP

	v.Regs.RIP += uint64(d.Length)

	if v.bios != nil && v.bios.InStub(linear) {
		return v.bios.Intercept(v, vector)
	}

	return nil
}

func execIRET(v *VCPU, d *DecodedInstruction) error {
	v.Regs.RIP += uint64(d.Length)
	return nil
}

func execHLT(v *VCPU, d *DecodedInstruction) error {
	v.Activity = ActivityHalted
	v.Regs.RIP += uint64(d.Length)

	return nil
}

func execCLI(v *VCPU, d *DecodedInstruction) error {
	v.Regs.RFlags &^= RFlagsIF
	v.Regs.RIP += uint64(d.Length)

	return nil
}

func execSTI(v *VCPU, d *DecodedInstruction) error {
	v.Regs.RFlags |= RFlagsIF
	v.Regs.RIP += uint64(d.Length)
	v.SetSTIShadow(true)

	return nil
}
