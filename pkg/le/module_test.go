package le

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// imageBuilder assembles a minimal DOS/32A-shaped image: one MZ stub with
// the LE module directly after its 64-byte header. Populate the fields,
// then call build.
type imageBuilder struct {
	pageSize  uint32
	fixups    [][]Fixup // one slice per page
	pages     []byte
	postFixup []byte
}

func (b *imageBuilder) build(t *testing.T) []byte {
	t.Helper()
	numPages := len(b.fixups)
	const leOff = 0x40
	const objCount = 3

	var records []byte
	pageTable := make([]byte, 0, 4*(numPages+1))
	for _, page := range b.fixups {
		pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(records)))
		enc, err := EncodeFixups(page)
		if err != nil {
			t.Fatalf("EncodeFixups: %v", err)
		}
		records = append(records, enc...)
	}
	pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(records)))

	objTableOff := uint32(HeaderSize)
	objPageTableOff := objTableOff + objCount*ObjectEntrySize
	fixupPageTableOff := objPageTableOff + uint32(numPages)*4
	fixupSectionSize := uint32(len(pageTable) + len(records))
	importOff := fixupPageTableOff + fixupSectionSize

	h := Header{
		Magic:                  [2]byte{'L', 'E'},
		ModuleNumPages:         uint32(numPages),
		PageSize:               b.pageSize,
		FixupSectionSize:       fixupSectionSize,
		LoaderSectionSize:      fixupPageTableOff - objTableOff,
		ObjTableOffset:         objTableOff,
		ObjCount:               objCount,
		ObjPageTableOffset:     objPageTableOff,
		FixupPageTableOffset:   fixupPageTableOff,
		FixupRecordTableOffset: fixupPageTableOff + uint32(len(pageTable)),
		ImportModuleTableOff:   importOff,
		ImportProcTableOffset:  importOff,
		DataPagesOffset:        leOff + importOff + uint32(len(b.postFixup)),
	}

	stub := make([]byte, leOff)
	copy(stub, "MZ")
	binary.LittleEndian.PutUint16(stub[0x18:], 0x40)
	binary.LittleEndian.PutUint16(stub[0x3C:], leOff)

	var img []byte
	img = append(img, stub...)
	img = append(img, h.Encode()...)
	img = append(img, make([]byte, objCount*ObjectEntrySize)...)
	img = append(img, make([]byte, numPages*4)...)
	img = append(img, pageTable...)
	img = append(img, records...)
	img = append(img, b.postFixup...)
	img = append(img, b.pages...)
	return img
}

func testFixups() [][]Fixup {
	return [][]Fixup{
		{
			{Kind: Fix32Off32, Src: SrcOff32, Flags: FlagData32, ObjNum: 2, SrcOff: 0x10, Data: 0x1234},
			{Kind: Fix32Off16, Src: SrcOff32, Flags: 0, ObjNum: 0, SrcOff: 0x20, Data: 0x42},
		},
		{},
		{
			{Kind: Fix16Sel, Src: SrcSel16, Flags: 0, ObjNum: 1, SrcOff: 0x800},
		},
	}
}

func TestModuleLoad(t *testing.T) {
	b := &imageBuilder{
		pageSize:  0x1000,
		fixups:    testFixups(),
		pages:     bytes.Repeat([]byte{0xCC}, 3*0x1000),
		postFixup: []byte{0xAA, 0xBB},
	}
	img := b.build(t)
	m, err := Load(img)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.MZOff != 0 || m.LEOff != 0x40 {
		t.Fatalf("landmarks (%#x, %#x), want (0, 0x40)", m.MZOff, m.LEOff)
	}
	if len(m.Fixups) != 3 {
		t.Fatalf("got %d fixup pages, want 3", len(m.Fixups))
	}
	if len(m.Fixups[0]) != 2 || len(m.Fixups[1]) != 0 || len(m.Fixups[2]) != 1 {
		t.Fatalf("fixup counts %d/%d/%d", len(m.Fixups[0]), len(m.Fixups[1]), len(m.Fixups[2]))
	}
	if m.Fixups[0][0].Data != 0x1234 || m.Fixups[2][0].Kind != Fix16Sel {
		t.Fatalf("fixups decoded wrong: %+v", m.Fixups)
	}
	if len(m.Objects) != 3 || len(m.ObjectPages) != 3 {
		t.Fatalf("got %d objects, %d object pages", len(m.Objects), len(m.ObjectPages))
	}
	if !bytes.Equal(m.Pages, b.pages) {
		t.Fatal("pages region mismatch")
	}
}

// TestModuleAssembleIdentity checks that loading and reassembling without
// touching anything reproduces the input byte for byte.
func TestModuleAssembleIdentity(t *testing.T) {
	b := &imageBuilder{
		pageSize:  0x1000,
		fixups:    testFixups(),
		pages:     bytes.Repeat([]byte{0x90}, 3*0x1000),
		postFixup: []byte{1, 2, 3, 4, 5},
	}
	img := b.build(t)
	m, err := Load(img)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := m.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(out, img) {
		t.Fatal("reassembled image differs from input")
	}
}

// TestModuleAssembleRewrite drops and adds fixups, then checks the header
// bookkeeping and the page table of the reassembled image.
func TestModuleAssembleRewrite(t *testing.T) {
	b := &imageBuilder{
		pageSize: 0x1000,
		fixups:   testFixups(),
		pages:    make([]byte, 3*0x1000),
	}
	m, err := Load(b.build(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Fixups[0] = m.Fixups[0][:1]
	m.Fixups[1] = append(m.Fixups[1], Fixup{
		Kind: Fix32Off32, Src: SrcOff32, Flags: FlagData32, ObjNum: 2, SrcOff: 0x123, Data: 0x9999,
	})

	out, err := m.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m2, err := Load(out)
	if err != nil {
		t.Fatalf("Load of rewritten image: %v", err)
	}
	if len(m2.Fixups[0]) != 1 || len(m2.Fixups[1]) != 1 || len(m2.Fixups[2]) != 1 {
		t.Fatalf("fixup counts %d/%d/%d", len(m2.Fixups[0]), len(m2.Fixups[1]), len(m2.Fixups[2]))
	}
	if m2.Fixups[1][0].Data != 0x9999 {
		t.Fatalf("added fixup decoded as %+v", m2.Fixups[1][0])
	}

	h := m2.Header
	pageTableLen := uint32(4 * (len(m2.Fixups) + 1))
	if h.FixupRecordTableOffset != h.FixupPageTableOffset+pageTableLen {
		t.Fatal("fixup record table offset inconsistent with page table size")
	}
	if h.ImportModuleTableOff != h.FixupPageTableOffset+h.FixupSectionSize {
		t.Fatal("import module table offset inconsistent with fixup section size")
	}
	if h.ImportProcTableOffset != h.ImportModuleTableOff {
		t.Fatal("import proc table offset not aliased to import module table")
	}
	if h.FixupSectionCsum != 0 {
		t.Fatal("fixup section checksum not zeroed")
	}

	// Page table offsets must be non-decreasing and end at the total
	// record length.
	tableStart := m2.LEOff + int(h.FixupPageTableOffset)
	var prev uint32
	for i := 0; i <= len(m2.Fixups); i++ {
		off := binary.LittleEndian.Uint32(out[tableStart+4*i:])
		if off < prev {
			t.Fatalf("page table entry %d decreases: %d < %d", i, off, prev)
		}
		prev = off
	}
	recordsLen := h.FixupSectionSize - pageTableLen
	if prev != recordsLen {
		t.Fatalf("final page table entry %d, want record table length %d", prev, recordsLen)
	}
}
