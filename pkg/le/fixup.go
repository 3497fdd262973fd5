package le

import "encoding/binary"

// FixupKind identifies the relocation kinds DOS/32A emits.
type FixupKind int

const (
	Fix32Off16   FixupKind = iota // 32-bit offset, 16-bit target data
	Fix32Off32                    // 32-bit offset, 32-bit target data
	Fix16Off16                    // 16-bit offset, 16-bit target data
	Fix16Off32                    // 16-bit offset, 32-bit target data
	Fix1632Ptr16                  // 16:32 far pointer, 16-bit target data
	Fix1632Ptr32                  // 16:32 far pointer, 32-bit target data
	Fix16Sel                      // 16-bit selector only, no target data
)

// fixupKindNames maps each FixupKind to its string representation.
var fixupKindNames = [...]string{
	Fix32Off16:   "fix_32off_16",
	Fix32Off32:   "fix_32off_32",
	Fix16Off16:   "fix_16off_16",
	Fix16Off32:   "fix_16off_32",
	Fix1632Ptr16: "fix_1632ptr_16",
	Fix1632Ptr32: "fix_1632ptr_32",
	Fix16Sel:     "fix_16sel",
}

// String returns the string representation of the FixupKind.
func (k FixupKind) String() string {
	if k < 0 || int(k) >= len(fixupKindNames) {
		return "fix_invalid"
	}
	return fixupKindNames[k]
}

// Fixup source-type bytes and flags.
const (
	SrcSel16   = 0x2 // 16-bit selector
	SrcOff16   = 0x5 // 16-bit offset
	SrcPtr1632 = 0x6 // 16:32 far pointer
	SrcOff32   = 0x7 // 32-bit offset

	FlagData32 = 0x10 // target data is 32-bit instead of 16-bit
)

// Fixup is one relocation record. The loader applies it at load time by
// patching the operand at SrcOff within the record's page with the address
// of ObjNum's image plus Data.
//
// ObjNum is zero-based in memory; the wire format stores it one-based.
type Fixup struct {
	Kind   FixupKind
	Src    uint8  // raw source-type byte
	Flags  uint8  // raw flags byte
	ObjNum int    // target object index, zero-based
	SrcOff uint16 // offset within the page where the relocation applies
	Data   uint32 // target offset within the object; unused for Fix16Sel
}

// DecodeFixups decodes one page's fixup record stream.
func DecodeFixups(buf []byte) ([]Fixup, error) {
	var items []Fixup
	ptr := 0
	for ptr < len(buf) {
		start := ptr
		if ptr+5 > len(buf) {
			return nil, formatErrorf(start, "fixup record truncated")
		}
		f := Fixup{
			Src:    buf[ptr],
			Flags:  buf[ptr+1],
			SrcOff: binary.LittleEndian.Uint16(buf[ptr+2 : ptr+4]),
			ObjNum: int(buf[ptr+4]) - 1,
		}
		ptr += 5
		wide := f.Flags&FlagData32 != 0
		switch f.Src {
		case SrcOff32:
			f.Kind = Fix32Off16
			if wide {
				f.Kind = Fix32Off32
			}
		case SrcOff16:
			f.Kind = Fix16Off16
			if wide {
				f.Kind = Fix16Off32
			}
		case SrcPtr1632:
			f.Kind = Fix1632Ptr16
			if wide {
				f.Kind = Fix1632Ptr32
			}
		case SrcSel16:
			f.Kind = Fix16Sel
			items = append(items, f)
			continue
		default:
			return nil, formatErrorf(start, "unknown fixup source type 0x%x (flags 0x%x)", f.Src, f.Flags)
		}
		if wide {
			if ptr+4 > len(buf) {
				return nil, formatErrorf(start, "fixup data truncated")
			}
			f.Data = binary.LittleEndian.Uint32(buf[ptr : ptr+4])
			ptr += 4
		} else {
			if ptr+2 > len(buf) {
				return nil, formatErrorf(start, "fixup data truncated")
			}
			f.Data = uint32(binary.LittleEndian.Uint16(buf[ptr : ptr+2]))
			ptr += 2
		}
		items = append(items, f)
	}
	return items, nil
}

// EncodeFixups serializes a fixup list back to the wire format. It is the
// exact inverse of DecodeFixups.
func EncodeFixups(fixups []Fixup) ([]byte, error) {
	var buf []byte
	for _, f := range fixups {
		buf = append(buf, f.Src, f.Flags)
		buf = binary.LittleEndian.AppendUint16(buf, f.SrcOff)
		buf = append(buf, byte(f.ObjNum+1))
		switch f.Kind {
		case Fix32Off16, Fix16Off16, Fix1632Ptr16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Data))
		case Fix32Off32, Fix16Off32, Fix1632Ptr32:
			buf = binary.LittleEndian.AppendUint32(buf, f.Data)
		case Fix16Sel:
		default:
			return nil, formatErrorf(-1, "cannot encode fixup kind %v", f.Kind)
		}
	}
	return buf, nil
}
