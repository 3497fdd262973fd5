// Package patch detects the game variant inside a DOS/32A Linear
// Executable, assembles the replacement control code, and rewrites the
// image's relocations to match.
//
// The pipeline is a single synchronous pass: load the LE module, scrape
// the game/version/language from the data pages, resolve the data-segment
// variables each patch wires into, build the code payloads, drop the
// relocations the payloads overwrite and synthesize records for the new
// absolute operands, then reassemble the image.
package patch

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/moralrecordings/tex3-mouselook/pkg/le"
	"github.com/moralrecordings/tex3-mouselook/pkg/x86"
)

// dsBase is where the data object's image begins within the data pages.
// CS-relative offsets address the pages from 0; DS-relative offsets are
// based here.
const dsBase = 0x52000

// Options selects which patches to apply.
type Options struct {
	FixSpeed  bool // remove the framerate-coupled minimum-delta clamp
	Mouselook bool // mouselook + WASD + crouch/tiptoe + vsync shim
	InvertY   bool // invert the mouselook Y axis
}

// Engine runs the patch pipeline. Progress is reported line by line on
// the writer given to New; a nil writer keeps it quiet.
type Engine struct {
	out io.Writer
}

// New creates an Engine reporting progress to out.
func New(out io.Writer) *Engine {
	if out == nil {
		out = io.Discard
	}
	return &Engine{out: out}
}

func (e *Engine) logf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}

// Run patches input and returns the rewritten image. On any error the
// input is reported unusable and nothing is returned; no partial state
// survives, so the caller can map any failure to a nonzero exit without
// cleanup.
func (e *Engine) Run(input []byte, opts Options) ([]byte, error) {
	m, err := le.Load(input)
	if err != nil {
		return nil, err
	}
	ver, err := DetectVersion(m.Pages)
	if err != nil {
		return nil, err
	}
	e.logf("Found %s v%s, %s language\n", ver.Game, ver.Number, titleCase(ver.Language))

	c := &catalog{
		eng:   e,
		pages: m.Pages,
		game:  ver.Game,
		asm:   x86.NewAssembler(),
	}

	if opts.FixSpeed {
		if err := c.speedFix(); err != nil {
			return nil, err
		}
	}
	if opts.Mouselook {
		if c.vars, err = e.resolveVars(m.Pages, ver.Game); err != nil {
			return nil, err
		}
		if err := c.mouselook(opts.InvertY); err != nil {
			return nil, err
		}
		wasdEnd, err := c.wasd()
		if err != nil {
			return nil, err
		}
		if err := c.rkeyNop(); err != nil {
			return nil, err
		}
		if err := c.crouch(); err != nil {
			return nil, err
		}
		if err := c.vsync(wasdEnd); err != nil {
			return nil, err
		}
		if c.vars.HasAbductor {
			if err := c.abductor(); err != nil {
				return nil, err
			}
			if err := c.abductorHoverNops(); err != nil {
				return nil, err
			}
		}
	}
	if ver.Game == GameKillingMoon {
		if err := c.credits(); err != nil {
			return nil, err
		}
	}

	for _, p := range c.code {
		if err := e.applyCodePatch(m, p); err != nil {
			return nil, err
		}
	}
	for _, p := range c.data {
		if err := e.applyDataPatch(m, p); err != nil {
			return nil, err
		}
	}

	out, err := m.Assemble()
	if err != nil {
		return nil, err
	}
	e.logf("Finished patching %s v%s, %s language\n", ver.Game, ver.Number, titleCase(ver.Language))
	return out, nil
}

// fixupRules maps each opcode form the payloads use to the offset of its
// absolute operand from the start of the instruction and the object that
// operand addresses. The offsets are a hand-maintained table, extended as
// payloads grow new opcode forms; verifyFixupCoverage catches any form
// that slips through.
var fixupRules = map[x86.Code]struct {
	off int
	obj int
}{
	x86.AddRM32R32:    {2, le.DataObject},
	x86.MovRM32Imm32:  {2, le.DataObject},
	x86.AndR8RM8:      {2, le.DataObject},
	x86.TestRM8Imm8:   {2, le.DataObject},
	x86.CmpR32RM32:    {2, le.DataObject},
	x86.CmpRM8Imm8:    {2, le.DataObject},
	x86.MovR8RM8:      {2, le.DataObject},
	x86.MovR32RM32:    {2, le.DataObject},
	x86.AddR32RM32:    {2, le.DataObject},
	x86.AndRM8Imm8:    {2, le.DataObject},
	x86.MovRM32R32:    {2, le.DataObject},
	x86.SubRM32R32:    {2, le.DataObject},
	x86.MovALMoffs8:   {1, le.DataObject},
	x86.MovMoffs32EAX: {1, le.DataObject},
	x86.MovEAXMoffs32: {1, le.DataObject},
	x86.MovRM16Imm16:  {3, le.DataObject},
	x86.JmpRM32:       {3, le.CodeObject},
}

// applyCodePatch splices a payload into the code pages and reconciles the
// relocation records: every original fixup whose source address falls
// inside the patched range is dropped, and each absolute operand in the
// payload gets a fresh 32-bit offset record.
func (e *Engine) applyCodePatch(m *le.Module, p CodePatch) error {
	pageSize := int(m.Header.PageSize)
	lo, hi := p.Offset, p.Offset+len(p.Payload)
	if lo < 0 || hi > len(m.Pages) {
		return &le.FormatError{Off: lo, Msg: fmt.Sprintf("code patch of %d bytes does not fit the pages", len(p.Payload))}
	}

	for i := range m.Fixups {
		pageStart := i * pageSize
		if pageStart >= hi || pageStart+pageSize < lo {
			continue
		}
		var kept []le.Fixup
		for _, f := range m.Fixups[i] {
			addr := pageStart + int(f.SrcOff)
			if addr >= lo && addr < hi {
				continue
			}
			kept = append(kept, f)
		}
		m.Fixups[i] = kept
	}

	decoded, err := x86.Decode(p.Payload)
	if err != nil {
		return err
	}
	covered := make(map[int]bool)
	for _, d := range decoded {
		rule, ok := fixupRules[d.Code]
		if !ok || !d.HasDisp {
			continue
		}
		// mov/sub with a register source decode to the same forms; only a
		// real displacement gets a record.
		if (d.Code == x86.MovRM32R32 || d.Code == x86.SubRM32R32) && d.Disp == 0 {
			continue
		}
		abs := p.Offset + d.IP
		page := abs / pageSize
		if page >= len(m.Fixups) {
			return &le.FormatError{Off: abs, Msg: "code patch lands past the last page"}
		}
		m.Fixups[page] = append(m.Fixups[page], le.Fixup{
			Kind:   le.Fix32Off32,
			Src:    le.SrcOff32,
			Flags:  le.FlagData32,
			ObjNum: rule.obj,
			SrcOff: uint16(abs%pageSize + rule.off),
			Data:   binary.LittleEndian.Uint32(p.Payload[d.IP+rule.off:]),
		})
		covered[d.IP] = true
	}
	if err := verifyFixupCoverage(p.Payload, covered); err != nil {
		return err
	}

	copy(m.Pages[lo:hi], p.Payload)
	return nil
}

// applyDataPatch splices raw bytes into the data object's image.
func (e *Engine) applyDataPatch(m *le.Module, p DataPatch) error {
	lo := dsBase + p.Offset
	hi := lo + len(p.Payload)
	if lo < 0 || hi > len(m.Pages) {
		return &le.FormatError{Off: lo, Msg: fmt.Sprintf("data patch of %d bytes does not fit the pages", len(p.Payload))}
	}
	copy(m.Pages[lo:hi], p.Payload)
	return nil
}

// verifyFixupCoverage re-decodes a payload with an independent decoder and
// rejects any instruction that references memory by absolute address
// without a synthesized fixup. x86 has hundreds of memory-accessing
// instructions and fixupRules only lists the ones payloads actually use,
// so a new opcode form must fail here rather than ship without its
// relocation.
func verifyFixupCoverage(payload []byte, covered map[int]bool) error {
	for ip := 0; ip < len(payload); {
		inst, err := x86asm.Decode(payload[ip:], 32)
		if err != nil {
			return &PayloadError{Op: fmt.Sprintf("undecodable instruction: %v", err), IP: ip}
		}
		if !covered[ip] {
			for _, arg := range inst.Args {
				if arg == nil {
					break
				}
				if mem, ok := arg.(x86asm.Mem); ok && mem.Segment == 0 && mem.Base == 0 && mem.Index == 0 {
					return &PayloadError{Op: inst.String(), IP: ip}
				}
			}
		}
		ip += inst.Len
	}
	return nil
}

func (e *Engine) findOffset(pages []byte, pattern string, delta int, label string) (int, error) {
	off, err := FindOffset(pages, pattern, delta, label)
	if err != nil {
		return 0, err
	}
	e.logf("Offset for %s found at 0x%08x\n", label, off)
	return off, nil
}

func (e *Engine) findVariable(pages []byte, pattern string, label string) (uint32, error) {
	addr, err := FindVariable(pages, pattern, label)
	if err != nil {
		return 0, err
	}
	e.logf("Variable for %s found at 0x%08x\n", label, addr)
	return addr, nil
}

// titleCase renders a scraped all-caps language name for display.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
