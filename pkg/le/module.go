package le

import "encoding/binary"

// Object indices significant to the patcher. The games put executable code
// in object 0 and the data segment in object 2.
const (
	CodeObject = 0
	DataObject = 2
)

// Module is a loaded LE executable split into the pieces the patcher
// rewrites. Pages and Fixups may be mutated freely; Assemble builds a
// complete output image around them.
type Module struct {
	Raw   []byte // the original input image, unmodified
	MZOff int    // offset of the stub containing the LE
	LEOff int    // offset of the LE header

	Header      Header
	Objects     []ObjectEntry
	ObjectPages []ObjectPageEntry

	// Fixups holds the decoded relocation records for each page, indexed
	// by page number.
	Fixups [][]Fixup

	// Pages is a mutable copy of the data-pages region: every object image
	// back to back, starting with the code object at offset 0.
	Pages []byte

	loader    []byte // loader section, between header and fixup page table
	postFixup []byte // bytes between import module table and data pages
}

// Load locates and parses the LE module inside a DOS-stubbed image.
func Load(data []byte) (*Module, error) {
	mzOff, leOff, err := SearchForLE(data)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(data[leOff:])
	if err != nil {
		return nil, err
	}
	if h.FixupRecordTableOffset <= h.FixupPageTableOffset {
		return nil, formatErrorf(leOff, "fixup record table precedes its page table")
	}

	m := &Module{Raw: data, MZOff: mzOff, LEOff: leOff, Header: h}

	numPages := int(h.ModuleNumPages)
	pageTable, err := slice(data, leOff+int(h.FixupPageTableOffset), 4*(numPages+1), "fixup page table")
	if err != nil {
		return nil, err
	}
	offsets := make([]uint32, numPages+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(pageTable[4*i:])
	}

	recordTable := data[min(len(data), leOff+int(h.FixupRecordTableOffset)):]
	m.Fixups = make([][]Fixup, numPages)
	for i := 0; i < numPages; i++ {
		lo, hi := int(offsets[i]), int(offsets[i+1])
		if lo > hi || hi > len(recordTable) {
			return nil, formatErrorf(leOff+int(h.FixupRecordTableOffset)+lo, "fixup page table entry out of range")
		}
		m.Fixups[i], err = DecodeFixups(recordTable[lo:hi])
		if err != nil {
			return nil, err
		}
	}

	objTable, err := slice(data, leOff+int(h.ObjTableOffset), int(h.ObjCount)*ObjectEntrySize, "object table")
	if err != nil {
		return nil, err
	}
	if m.Objects, err = ParseObjectTable(objTable, int(h.ObjCount)); err != nil {
		return nil, err
	}
	objPageTable, err := slice(data, leOff+int(h.ObjPageTableOffset), numPages*4, "object page table")
	if err != nil {
		return nil, err
	}
	if m.ObjectPages, err = ParseObjectPageTable(objPageTable, numPages); err != nil {
		return nil, err
	}

	pagesStart := mzOff + int(h.DataPagesOffset)
	if pagesStart > len(data) {
		return nil, formatErrorf(pagesStart, "data pages offset past end of file")
	}
	m.Pages = append([]byte(nil), data[pagesStart:]...)

	loaderStart := leOff + HeaderSize
	loaderEnd := leOff + int(h.FixupPageTableOffset)
	if loaderStart > loaderEnd || loaderEnd > len(data) {
		return nil, formatErrorf(loaderStart, "loader section out of range")
	}
	m.loader = data[loaderStart:loaderEnd]

	blobStart := leOff + int(h.ImportModuleTableOff)
	if blobStart > pagesStart || blobStart > len(data) {
		return nil, formatErrorf(blobStart, "import module table out of range")
	}
	m.postFixup = data[blobStart:pagesStart]

	return m, nil
}

// Assemble serializes the module back into a complete executable image.
// The fixup page table and record table are rebuilt from Fixups, the
// header offsets that depend on the fixup section size are recomputed, and
// the bytes between the fixup section and the data pages are carried over
// verbatim.
func (m *Module) Assemble() ([]byte, error) {
	var records []byte
	pageTable := make([]byte, 0, 4*(len(m.Fixups)+1))
	for _, page := range m.Fixups {
		pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(records)))
		enc, err := EncodeFixups(page)
		if err != nil {
			return nil, err
		}
		records = append(records, enc...)
	}
	pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(records)))

	h := m.Header
	h.FixupRecordTableOffset = h.FixupPageTableOffset + uint32(len(pageTable))
	h.FixupSectionSize = uint32(len(pageTable) + len(records))
	h.FixupSectionCsum = 0
	h.ImportModuleTableOff = h.FixupPageTableOffset + h.FixupSectionSize
	h.ImportProcTableOffset = h.ImportModuleTableOff
	h.DataPagesOffset = uint32(m.LEOff) + h.ImportModuleTableOff + uint32(len(m.postFixup)) - uint32(m.MZOff)

	out := make([]byte, 0, m.LEOff+HeaderSize+len(m.loader)+len(pageTable)+len(records)+len(m.postFixup)+len(m.Pages))
	out = append(out, m.Raw[:m.LEOff]...)
	out = append(out, h.Encode()...)
	out = append(out, m.loader...)
	out = append(out, pageTable...)
	out = append(out, records...)
	out = append(out, m.postFixup...)
	out = append(out, m.Pages...)
	return out, nil
}

// slice bounds-checks data[off:off+n].
func slice(data []byte, off, n int, what string) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(data) {
		return nil, formatErrorf(off, "%s out of range (%d bytes at 0x%x, file is %d bytes)", what, n, off, len(data))
	}
	return data[off : off+n], nil
}
