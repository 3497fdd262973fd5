package x86

import (
	"encoding/binary"
	"fmt"
)

// EncodeError represents an instruction block that cannot be encoded.
type EncodeError struct {
	Index int // instruction index within the block
	Msg   string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error at instruction %d: %s", e.Index, e.Msg)
}

// Assembler encodes instruction blocks and owns the label namespace for
// one patching run. Label ids are never reused across an Assembler's
// lifetime, so blocks assembled separately cannot collide.
type Assembler struct {
	nextLabel Label
}

// NewAssembler creates an Assembler with an empty label namespace.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// NewLabel allocates a fresh label.
func (a *Assembler) NewLabel() Label {
	a.nextLabel++
	return a.nextLabel
}

// Assemble encodes the block at virtual address 0 and resolves branch
// displacements. Branches start in their rel8 form and are widened to
// rel32 until every displacement fits.
func (a *Assembler) Assemble(insts []Inst) ([]byte, error) {
	work := append([]Inst(nil), insts...)
	sizes := make([]int, len(work))
	seen := make(map[Label]int)
	for i, in := range work {
		if in.Label != 0 {
			if prev, dup := seen[in.Label]; dup {
				return nil, &EncodeError{Index: i, Msg: fmt.Sprintf("label %d already placed at instruction %d", in.Label, prev)}
			}
			seen[in.Label] = i
		}
		body, err := encodeBody(in, 0)
		if err != nil {
			return nil, &EncodeError{Index: i, Msg: err.Error()}
		}
		sizes[i] = len(body)
	}

	offsets := make([]int, len(work))
	labels := make(map[Label]int)
	for {
		pos := 0
		for i, in := range work {
			offsets[i] = pos
			if in.Label != 0 {
				labels[in.Label] = pos
			}
			pos += sizes[i]
		}

		widened := false
		for i, in := range work {
			if in.Code != JccRel8 && in.Code != JmpRel8 {
				continue
			}
			target, ok := labels[in.Target]
			if !ok {
				return nil, &EncodeError{Index: i, Msg: fmt.Sprintf("undefined label %d", in.Target)}
			}
			disp := target - (offsets[i] + sizes[i])
			if disp < -128 || disp > 127 {
				if in.Code == JccRel8 {
					work[i].Code = JccRel32
					sizes[i] = 6
				} else {
					work[i].Code = JmpRel32
					sizes[i] = 5
				}
				widened = true
			}
		}
		if !widened {
			break
		}
	}

	var out []byte
	for i, in := range work {
		disp := 0
		if in.Target != 0 {
			disp = labels[in.Target] - (offsets[i] + sizes[i])
		}
		body, err := encodeBody(in, disp)
		if err != nil {
			return nil, &EncodeError{Index: i, Msg: err.Error()}
		}
		out = append(out, body...)
	}
	return out, nil
}

// CallRel32 encodes call rel32 (E8 <rel32>). rel32 is relative to the end
// of the instruction.
func CallRel32(rel int32) []byte {
	buf := make([]byte, 5)
	buf[0] = 0xE8
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	return buf
}

// JmpRel32Raw encodes jmp rel32 (E9 <rel32>). rel32 is relative to the end
// of the instruction.
func JmpRel32Raw(rel int32) []byte {
	buf := make([]byte, 5)
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	return buf
}

// appendModRM appends a ModRM byte (plus disp32 for memory operands) for
// an instruction whose r/m operand is in.Mem or in.Reg2.
func appendModRM(out []byte, reg uint8, in Inst) []byte {
	if in.HasMem {
		// mod=00 rm=101: [disp32]
		out = append(out, 0x05|reg<<3)
		return binary.LittleEndian.AppendUint32(out, in.Mem.Disp)
	}
	return append(out, 0xC0|reg<<3|uint8(in.Reg2))
}

// encodeBody encodes a single instruction. disp carries the resolved
// branch displacement for the rel8/rel32 forms.
func encodeBody(in Inst, disp int) ([]byte, error) {
	var out []byte
	switch in.Code {
	case Nopd:
		out = append(out, 0x90)
	case Retnd:
		out = append(out, 0xC3)
	case CdqForm:
		out = append(out, 0x99)
	case IntImm8:
		out = append(out, 0xCD, byte(in.Imm))
	case PushR32:
		out = append(out, 0x50+uint8(in.Reg))
	case PopR32:
		out = append(out, 0x58+uint8(in.Reg))
	case NegRM32:
		// F7 /3
		out = append(out, 0xF7, 0xD8|uint8(in.Reg))
	case MovRM32R32:
		out = appendModRM(append(out, 0x89), uint8(in.Reg), in)
	case MovR32RM32:
		out = appendModRM(append(out, 0x8B), uint8(in.Reg), in)
	case XorRM32R32:
		out = appendModRM(append(out, 0x31), uint8(in.Reg), in)
	case AddRM32R32:
		out = appendModRM(append(out, 0x01), uint8(in.Reg), in)
	case AddR32RM32:
		out = appendModRM(append(out, 0x03), uint8(in.Reg), in)
	case SubRM32R32:
		out = appendModRM(append(out, 0x29), uint8(in.Reg), in)
	case SubR32RM32:
		out = appendModRM(append(out, 0x2B), uint8(in.Reg), in)
	case CmpR32RM32:
		out = appendModRM(append(out, 0x3B), uint8(in.Reg), in)
	case ShlRM32Imm8:
		// C1 /4 ib
		out = append(out, 0xC1, 0xE0|uint8(in.Reg), byte(in.Imm))
	case ShlRM32One:
		// D1 /4
		out = append(out, 0xD1, 0xE0|uint8(in.Reg))
	case CmpRM8Imm8:
		// 80 /7 ib
		out = append(appendModRM(append(out, 0x80), 7, in), byte(in.Imm))
	case AndRM8Imm8:
		// 80 /4 ib
		out = append(appendModRM(append(out, 0x80), 4, in), byte(in.Imm))
	case TestRM8Imm8:
		// F6 /0 ib
		out = append(appendModRM(append(out, 0xF6), 0, in), byte(in.Imm))
	case CmpALImm8Form:
		out = append(out, 0x3C, byte(in.Imm))
	case MovRM32Imm32:
		// C7 /0 id
		out = binary.LittleEndian.AppendUint32(appendModRM(append(out, 0xC7), 0, in), in.Imm)
	case MovRM16Imm16:
		// 66 C7 /0 iw
		out = binary.LittleEndian.AppendUint16(appendModRM(append(out, 0x66, 0xC7), 0, in), uint16(in.Imm))
	case MovR16Imm16:
		out = binary.LittleEndian.AppendUint16(append(out, 0x66, 0xB8+uint8(in.Reg)), uint16(in.Imm))
	case MovR32Imm32:
		out = binary.LittleEndian.AppendUint32(append(out, 0xB8+uint8(in.Reg)), in.Imm)
	case MovEAXMoffs32:
		out = binary.LittleEndian.AppendUint32(append(out, 0xA1), in.Mem.Disp)
	case MovMoffs32EAX:
		out = binary.LittleEndian.AppendUint32(append(out, 0xA3), in.Mem.Disp)
	case MovALMoffs8:
		out = binary.LittleEndian.AppendUint32(append(out, 0xA0), in.Mem.Disp)
	case AddEAXImm32:
		out = binary.LittleEndian.AppendUint32(append(out, 0x05), in.Imm)
	case SubEAXImm32:
		out = binary.LittleEndian.AppendUint32(append(out, 0x2D), in.Imm)
	case JccRel8:
		out = append(out, 0x70|uint8(in.Cond), byte(int8(disp)))
	case JccRel32:
		out = binary.LittleEndian.AppendUint32(append(out, 0x0F, 0x80|uint8(in.Cond)), uint32(int32(disp)))
	case JmpRel8:
		out = append(out, 0xEB, byte(int8(disp)))
	case JmpRel32:
		out = binary.LittleEndian.AppendUint32(append(out, 0xE9), uint32(int32(disp)))
	default:
		return nil, fmt.Errorf("cannot encode %v", in.Code)
	}
	return out, nil
}
