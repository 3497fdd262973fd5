package x86

import (
	"encoding/binary"
	"fmt"
)

// DecodeError represents a byte stream the decoder cannot interpret.
type DecodeError struct {
	Off int
	Msg string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at +0x%x: %s", e.Off, e.Msg)
}

// Decoded is one instruction recovered from an encoded block: enough to
// locate absolute-displacement operands for relocation synthesis.
type Decoded struct {
	Code    Code
	IP      int // offset of the instruction within the block
	Len     int
	Disp    uint32 // absolute memory displacement, if HasDisp
	HasDisp bool
}

// Decode walks an encoded block and classifies each instruction. Only the
// forms the assembler can emit (plus raw call/jmp rel32 splices, the
// absolute-indirect jmp, and the and/mov r8, r/m8 forms listed in the
// fixup table) are understood; anything else is an error, so an
// unexpected opcode in a payload fails loudly instead of desynchronizing
// the relocation stream.
func Decode(code []byte) ([]Decoded, error) {
	var out []Decoded
	ip := 0
	for ip < len(code) {
		d, err := decodeOne(code, ip)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		ip += d.Len
	}
	return out, nil
}

func decodeOne(code []byte, ip int) (Decoded, error) {
	d := Decoded{IP: ip}
	b := code[ip:]

	need := func(n int) error {
		if len(b) < n {
			return &DecodeError{Off: ip, Msg: "truncated instruction"}
		}
		return nil
	}
	// fixed-length instruction with no memory operand
	plain := func(c Code, n int) (Decoded, error) {
		if err := need(n); err != nil {
			return d, err
		}
		d.Code, d.Len = c, n
		return d, nil
	}
	// opcode (1 byte consumed so far) followed by ModRM and imm immediate bytes
	modRM := func(c Code, imm int) (Decoded, error) {
		if err := need(2); err != nil {
			return d, err
		}
		mod := b[1] >> 6
		rm := b[1] & 7
		n := 2
		switch {
		case mod == 3:
			// register operand
		case mod == 0 && rm == 5:
			if err := need(n + 4); err != nil {
				return d, err
			}
			d.Disp = binary.LittleEndian.Uint32(b[n:])
			d.HasDisp = true
			n += 4
		default:
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported addressing mode (modrm 0x%02x)", b[1])}
		}
		if err := need(n + imm); err != nil {
			return d, err
		}
		d.Code, d.Len = c, n+imm
		return d, nil
	}
	// opcode followed by a 4-byte absolute moffs
	moffs := func(c Code) (Decoded, error) {
		if err := need(5); err != nil {
			return d, err
		}
		d.Code, d.Len = c, 5
		d.Disp = binary.LittleEndian.Uint32(b[1:])
		d.HasDisp = true
		return d, nil
	}

	op := b[0]
	switch {
	case op == 0x90:
		return plain(Nopd, 1)
	case op == 0xC3:
		return plain(Retnd, 1)
	case op == 0x99:
		return plain(CdqForm, 1)
	case op == 0xCD:
		return plain(IntImm8, 2)
	case op >= 0x50 && op <= 0x57:
		return plain(PushR32, 1)
	case op >= 0x58 && op <= 0x5F:
		return plain(PopR32, 1)
	case op == 0x3C:
		return plain(CmpALImm8Form, 2)
	case op == 0x05:
		return plain(AddEAXImm32, 5)
	case op == 0x2D:
		return plain(SubEAXImm32, 5)
	case op >= 0xB8 && op <= 0xBF:
		return plain(MovR32Imm32, 5)
	case op == 0xA0:
		return moffs(MovALMoffs8)
	case op == 0xA1:
		return moffs(MovEAXMoffs32)
	case op == 0xA3:
		return moffs(MovMoffs32EAX)
	case op == 0x01:
		return modRM(AddRM32R32, 0)
	case op == 0x03:
		return modRM(AddR32RM32, 0)
	case op == 0x22:
		return modRM(AndR8RM8, 0)
	case op == 0x29:
		return modRM(SubRM32R32, 0)
	case op == 0x2B:
		return modRM(SubR32RM32, 0)
	case op == 0x31:
		return modRM(XorRM32R32, 0)
	case op == 0x3B:
		return modRM(CmpR32RM32, 0)
	case op == 0x89:
		return modRM(MovRM32R32, 0)
	case op == 0x8A:
		return modRM(MovR8RM8, 0)
	case op == 0x8B:
		return modRM(MovR32RM32, 0)
	case op == 0xC7:
		if err := need(2); err != nil {
			return d, err
		}
		if (b[1]>>3)&7 != 0 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported C7 /%d form", (b[1]>>3)&7)}
		}
		return modRM(MovRM32Imm32, 4)
	case op == 0x80:
		if err := need(2); err != nil {
			return d, err
		}
		switch (b[1] >> 3) & 7 {
		case 4:
			return modRM(AndRM8Imm8, 1)
		case 7:
			return modRM(CmpRM8Imm8, 1)
		}
		return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported 80 /%d form", (b[1]>>3)&7)}
	case op == 0xF6:
		if err := need(2); err != nil {
			return d, err
		}
		if (b[1]>>3)&7 != 0 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported F6 /%d form", (b[1]>>3)&7)}
		}
		return modRM(TestRM8Imm8, 1)
	case op == 0xF7:
		if err := need(2); err != nil {
			return d, err
		}
		if (b[1]>>3)&7 != 3 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported F7 /%d form", (b[1]>>3)&7)}
		}
		return modRM(NegRM32, 0)
	case op == 0xC1:
		if err := need(2); err != nil {
			return d, err
		}
		if (b[1]>>3)&7 != 4 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported C1 /%d form", (b[1]>>3)&7)}
		}
		return modRM(ShlRM32Imm8, 1)
	case op == 0xD1:
		if err := need(2); err != nil {
			return d, err
		}
		if (b[1]>>3)&7 != 4 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported D1 /%d form", (b[1]>>3)&7)}
		}
		return modRM(ShlRM32One, 0)
	case op == 0x66:
		if err := need(2); err != nil {
			return d, err
		}
		switch {
		case b[1] == 0xC7:
			// 66 C7 /0: mov word [disp32], imm16
			if err := need(3); err != nil {
				return d, err
			}
			if b[2] != 0x05 {
				return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported prefixed C7 form (modrm 0x%02x)", b[2])}
			}
			if err := need(9); err != nil {
				return d, err
			}
			d.Code, d.Len = MovRM16Imm16, 9
			d.Disp = binary.LittleEndian.Uint32(b[3:])
			d.HasDisp = true
			return d, nil
		case b[1] >= 0xB8 && b[1] <= 0xBF:
			return plain(MovR16Imm16, 4)
		}
		return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported prefixed opcode 0x%02x", b[1])}
	case op == 0xFF:
		// FF /4 with SIB absolute: jmp dword [disp32]
		if err := need(7); err != nil {
			return d, err
		}
		if b[1] != 0x24 || b[2] != 0x25 {
			return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported FF form (modrm 0x%02x)", b[1])}
		}
		d.Code, d.Len = JmpRM32, 7
		d.Disp = binary.LittleEndian.Uint32(b[3:])
		d.HasDisp = true
		return d, nil
	case op == 0xE8:
		return plain(CallRel32Form, 5)
	case op == 0xE9:
		return plain(JmpRel32, 5)
	case op == 0xEB:
		return plain(JmpRel8, 2)
	case op >= 0x70 && op <= 0x7F:
		return plain(JccRel8, 2)
	case op == 0x0F:
		if err := need(2); err != nil {
			return d, err
		}
		if b[1] >= 0x80 && b[1] <= 0x8F {
			return plain(JccRel32, 6)
		}
		return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported 0F opcode 0x%02x", b[1])}
	}
	return d, &DecodeError{Off: ip, Msg: fmt.Sprintf("unsupported opcode 0x%02x", op)}
}
