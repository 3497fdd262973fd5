// Package x86 provides 32-bit x86 instruction construction and decoding
// for the instruction forms the patcher injects.
//
// Instructions are built with the constructor functions, optionally tagged
// with labels, and encoded as a block by an Assembler, which resolves
// branch displacements. The Decode function walks an encoded block back
// into opcode forms so relocation records can be synthesized for operands
// that reference absolute addresses.
//
// For details on x86 instruction encoding (ModRM, SIB, displacements), see
// https://wiki.osdev.org/X86-64_Instruction_Encoding — the 32-bit subset
// applies here.
package x86

// Reg is a 32-bit general purpose register. The constants double as the
// 3-bit register numbers used in opcode and ModRM encoding; 16-bit forms
// (MovReg16Imm16) reuse the same numbering for AX..DI.
type Reg uint8

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// regNames maps each Reg to its string representation.
var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// String returns the string representation of the Reg.
func (r Reg) String() string {
	if int(r) >= len(regNames) {
		return "reg?"
	}
	return regNames[r]
}

// Cond is a branch condition, numbered as in the Jcc opcode encoding
// (0x70|cond for rel8, 0x0F 0x80|cond for rel32).
type Cond uint8

const (
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Mem is an absolute-displacement memory operand: [disp32].
type Mem struct {
	Disp uint32
}

// Memory builds an absolute [disp32] memory operand.
func Memory(disp uint32) Mem {
	return Mem{Disp: disp}
}

// Label identifies a position in an instruction block. Labels are allocated
// by an Assembler and resolved during Assemble.
type Label uint32

// Code identifies an opcode form. The names follow the customary
// destination-source operand-kind spelling (RM = register or memory,
// Moffs = absolute memory offset).
type Code int

const (
	CodeInvalid Code = iota
	Nopd
	Retnd
	CdqForm
	IntImm8
	PushR32
	PopR32
	NegRM32
	MovRM32R32
	MovR32RM32
	MovR8RM8
	XorRM32R32
	ShlRM32Imm8
	ShlRM32One
	AddRM32R32
	AddR32RM32
	SubRM32R32
	SubR32RM32
	AndR8RM8
	CmpR32RM32
	CmpRM8Imm8
	CmpALImm8Form
	TestRM8Imm8
	AndRM8Imm8
	MovRM32Imm32
	MovRM16Imm16
	MovR16Imm16
	MovR32Imm32
	MovEAXMoffs32
	MovMoffs32EAX
	MovALMoffs8
	AddEAXImm32
	SubEAXImm32
	JccRel8
	JccRel32
	JmpRel8
	JmpRel32
	CallRel32Form
	JmpRM32
)

// codeNames maps each Code to its string representation.
var codeNames = [...]string{
	CodeInvalid:   "invalid",
	Nopd:          "nop",
	Retnd:         "ret",
	CdqForm:       "cdq",
	IntImm8:       "int imm8",
	PushR32:       "push r32",
	PopR32:        "pop r32",
	NegRM32:       "neg r/m32",
	MovRM32R32:    "mov r/m32, r32",
	MovR32RM32:    "mov r32, r/m32",
	MovR8RM8:      "mov r8, r/m8",
	XorRM32R32:    "xor r/m32, r32",
	ShlRM32Imm8:   "shl r/m32, imm8",
	ShlRM32One:    "shl r/m32, 1",
	AddRM32R32:    "add r/m32, r32",
	AddR32RM32:    "add r32, r/m32",
	SubRM32R32:    "sub r/m32, r32",
	SubR32RM32:    "sub r32, r/m32",
	AndR8RM8:      "and r8, r/m8",
	CmpR32RM32:    "cmp r32, r/m32",
	CmpRM8Imm8:    "cmp r/m8, imm8",
	CmpALImm8Form: "cmp al, imm8",
	TestRM8Imm8:   "test r/m8, imm8",
	AndRM8Imm8:    "and r/m8, imm8",
	MovRM32Imm32:  "mov r/m32, imm32",
	MovRM16Imm16:  "mov r/m16, imm16",
	MovR16Imm16:   "mov r16, imm16",
	MovR32Imm32:   "mov r32, imm32",
	MovEAXMoffs32: "mov eax, moffs32",
	MovMoffs32EAX: "mov moffs32, eax",
	MovALMoffs8:   "mov al, moffs8",
	AddEAXImm32:   "add eax, imm32",
	SubEAXImm32:   "sub eax, imm32",
	JccRel8:       "jcc rel8",
	JccRel32:      "jcc rel32",
	JmpRel8:       "jmp rel8",
	JmpRel32:      "jmp rel32",
	CallRel32Form: "call rel32",
	JmpRM32:       "jmp r/m32",
}

// String returns the string representation of the Code.
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "code?"
	}
	return codeNames[c]
}

// Inst is one instruction awaiting encoding. Construct with the helper
// functions below; the zero value is invalid.
type Inst struct {
	Code   Code
	Reg    Reg // ModRM.reg operand, or the sole register operand
	Reg2   Reg // ModRM.rm register for register-register forms
	Mem    Mem
	HasMem bool
	Imm    uint32
	Cond   Cond
	Label  Label // label attached to this instruction, 0 if none
	Target Label // branch target label, 0 if none
}

// WithLabel attaches a label to an instruction so branches can target it.
func WithLabel(l Label, in Inst) Inst {
	in.Label = l
	return in
}

func mem(c Code, m Mem) Inst { return Inst{Code: c, Mem: m, HasMem: true} }
func memImm(c Code, m Mem, v uint32) Inst {
	return Inst{Code: c, Mem: m, HasMem: true, Imm: v}
}
func memReg(c Code, m Mem, r Reg) Inst {
	return Inst{Code: c, Mem: m, HasMem: true, Reg: r}
}

// Nop builds a one-byte nop.
func Nop() Inst { return Inst{Code: Nopd} }

// Ret builds a near return.
func Ret() Inst { return Inst{Code: Retnd} }

// Cdq builds cdq.
func Cdq() Inst { return Inst{Code: CdqForm} }

// Int builds int imm8.
func Int(v uint8) Inst { return Inst{Code: IntImm8, Imm: uint32(v)} }

// Push builds push r32.
func Push(r Reg) Inst { return Inst{Code: PushR32, Reg: r} }

// Pop builds pop r32.
func Pop(r Reg) Inst { return Inst{Code: PopR32, Reg: r} }

// Neg builds neg r32.
func Neg(r Reg) Inst { return Inst{Code: NegRM32, Reg: r} }

// MovRegReg builds mov dst, src using the r/m32, r32 form (89 /r).
func MovRegReg(dst, src Reg) Inst {
	return Inst{Code: MovRM32R32, Reg: src, Reg2: dst}
}

// MovRegMem builds mov r32, [disp32].
func MovRegMem(r Reg, m Mem) Inst { return memReg(MovR32RM32, m, r) }

// MovMemReg builds mov [disp32], r32.
func MovMemReg(m Mem, r Reg) Inst { return memReg(MovRM32R32, m, r) }

// MovEAXMem builds mov eax, moffs32.
func MovEAXMem(m Mem) Inst { return mem(MovEAXMoffs32, m) }

// MovMemEAX builds mov moffs32, eax.
func MovMemEAX(m Mem) Inst { return mem(MovMoffs32EAX, m) }

// MovALMem builds mov al, moffs8.
func MovALMem(m Mem) Inst { return mem(MovALMoffs8, m) }

// MovRegImm32 builds mov r32, imm32.
func MovRegImm32(r Reg, v uint32) Inst { return Inst{Code: MovR32Imm32, Reg: r, Imm: v} }

// MovReg16Imm16 builds mov r16, imm16 (operand-size prefixed).
func MovReg16Imm16(r Reg, v uint16) Inst {
	return Inst{Code: MovR16Imm16, Reg: r, Imm: uint32(v)}
}

// MovMemImm32 builds mov dword [disp32], imm32.
func MovMemImm32(m Mem, v uint32) Inst { return memImm(MovRM32Imm32, m, v) }

// MovMem16Imm16 builds mov word [disp32], imm16.
func MovMem16Imm16(m Mem, v uint16) Inst { return memImm(MovRM16Imm16, m, uint32(v)) }

// XorRegReg builds xor dst, src (31 /r).
func XorRegReg(dst, src Reg) Inst {
	return Inst{Code: XorRM32R32, Reg: src, Reg2: dst}
}

// SubRegReg builds sub dst, src using the r32, r/m32 form (2B /r).
func SubRegReg(dst, src Reg) Inst {
	return Inst{Code: SubR32RM32, Reg: dst, Reg2: src}
}

// AddMemReg builds add [disp32], r32.
func AddMemReg(m Mem, r Reg) Inst { return memReg(AddRM32R32, m, r) }

// AddRegMem builds add r32, [disp32].
func AddRegMem(r Reg, m Mem) Inst { return memReg(AddR32RM32, m, r) }

// SubMemReg builds sub [disp32], r32.
func SubMemReg(m Mem, r Reg) Inst { return memReg(SubRM32R32, m, r) }

// CmpRegMem builds cmp r32, [disp32].
func CmpRegMem(r Reg, m Mem) Inst { return memReg(CmpR32RM32, m, r) }

// CmpMem8Imm8 builds cmp byte [disp32], imm8.
func CmpMem8Imm8(m Mem, v uint8) Inst { return memImm(CmpRM8Imm8, m, uint32(v)) }

// CmpALImm8 builds cmp al, imm8.
func CmpALImm8(v uint8) Inst { return Inst{Code: CmpALImm8Form, Imm: uint32(v)} }

// TestMem8Imm8 builds test byte [disp32], imm8.
func TestMem8Imm8(m Mem, v uint8) Inst { return memImm(TestRM8Imm8, m, uint32(v)) }

// AndMem8Imm8 builds and byte [disp32], imm8.
func AndMem8Imm8(m Mem, v uint8) Inst { return memImm(AndRM8Imm8, m, uint32(v)) }

// ShlRegImm8 builds shl r32, imm8.
func ShlRegImm8(r Reg, n uint8) Inst {
	return Inst{Code: ShlRM32Imm8, Reg: r, Imm: uint32(n)}
}

// ShlReg1 builds shl r32, 1 using the short D1 form.
func ShlReg1(r Reg) Inst { return Inst{Code: ShlRM32One, Reg: r} }

// AddEAX builds add eax, imm32.
func AddEAX(v uint32) Inst { return Inst{Code: AddEAXImm32, Imm: v} }

// SubEAX builds sub eax, imm32.
func SubEAX(v uint32) Inst { return Inst{Code: SubEAXImm32, Imm: v} }

// Jcc builds a conditional branch to a label. The encoder picks the rel8
// form where the displacement fits and widens to rel32 otherwise.
func Jcc(c Cond, l Label) Inst { return Inst{Code: JccRel8, Cond: c, Target: l} }

// Jmp builds an unconditional branch to a label.
func Jmp(l Label) Inst { return Inst{Code: JmpRel8, Target: l} }
