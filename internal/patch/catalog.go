package patch

import (
	"bytes"
	"errors"
	"strings"

	"github.com/moralrecordings/tex3-mouselook/pkg/x86"
)

// Scancodes for the keys the new control scheme reads.
const (
	keyW      = 0x11
	keyR      = 0x13
	keyA      = 0x1E
	keyS      = 0x1F
	keyD      = 0x20
	keyLShift = 0x2A
	keyC      = 0x2E
)

// CodePatch is a code payload spliced in at a CS-relative offset. Applying
// one also rewrites the relocations covering the patched range.
type CodePatch struct {
	Payload []byte
	Offset  int
}

// DataPatch is a raw data payload spliced in at a DS-relative offset.
type DataPatch struct {
	Payload []byte
	Offset  int
}

// catalog accumulates the patches selected for one run. Builders append in
// a fixed order; patches never overlap except where the vsync shim
// deliberately claims part of the WASD block's nop fill.
type catalog struct {
	eng   *Engine
	pages []byte
	vars  *Vars
	game  Game
	asm   *x86.Assembler
	code  []CodePatch
	data  []DataPatch
}

func nops(n int) []x86.Inst {
	out := make([]x86.Inst, n)
	for i := range out {
		out[i] = x86.Nop()
	}
	return out
}

// speedFix nops out the minimum-delta clamp in the movement code.
//
// The engine measures ticks between redraws and multiplies the delta by
// the movement velocity to get a displacement. A delta of 0 ticks gets
// rounded up to 4, so in areas of low geometric complexity on fast
// machines Tex rockets around far too quickly.
func (c *catalog) speedFix() error {
	off, err := c.eng.findOffset(c.pages,
		`\xf7\xd8\x83\xc0\x64\x75\x05\xb8\x04\x00\x00\x00`, 5, "speed bug code")
	if err != nil {
		return err
	}
	payload, err := c.asm.Assemble(nops(7))
	if err != nil {
		return err
	}
	c.code = append(c.code, CodePatch{payload, off})
	return nil
}

// mouselook replaces the mouse-delta handler. The game tracks the mouse
// both as clamped screen coordinates and as an unbounded wrapping 16-bit
// pair; the patched function receives deltas of the unbounded pair in ECX
// and EDX. Instead of feeding the original turning/forward velocity
// counters, the deltas now drive the head rotation angle directly and the
// head tilt angle clamped between its floor and ceiling.
//
// Tilt ranges from -0x384 (ceiling) to 0x384 (floor); rotation wraps
// within 0..~0xd000000.
func (c *catalog) mouselook(invertY bool) error {
	off, err := c.eng.findOffset(c.pages,
		`\x8b\xc2\x33\xed\x03\x05.{4}\x8b\xd8`, 0, "mouselook mod point")
	if err != nil {
		return err
	}
	v := c.vars
	lblCheck2 := c.asm.NewLabel()
	lblAfter := c.asm.NewLabel()

	insts := []x86.Inst{
		x86.MovRegReg(x86.EAX, x86.ECX),
		x86.ShlRegImm8(x86.EAX, 17),
		x86.AddMemReg(x86.Memory(v.RotAngle), x86.EAX),
		x86.MovRegReg(x86.EAX, x86.EDX),
	}
	if invertY {
		insts = append(insts, x86.Neg(x86.EAX))
	}
	insts = append(insts,
		x86.ShlReg1(x86.EAX),
		x86.AddRegMem(x86.EAX, x86.Memory(v.TiltAngleLast)),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.TiltTop)),
		x86.Jcc(x86.CondGE, lblCheck2),
		x86.MovEAXMem(x86.Memory(v.TiltTop)),
		x86.WithLabel(lblCheck2, x86.CmpRegMem(x86.EAX, x86.Memory(v.TiltBottom))),
		x86.Jcc(x86.CondLE, lblAfter),
		x86.MovEAXMem(x86.Memory(v.TiltBottom)),
		x86.WithLabel(lblAfter, x86.MovMemEAX(x86.Memory(v.TiltAngle))),
		x86.MovMemEAX(x86.Memory(v.TiltAngleLast)),
		x86.Ret(),
	)
	payload, err := c.asm.Assemble(insts)
	if err != nil {
		return err
	}
	c.code = append(c.code, CodePatch{payload, off})
	return nil
}

// wasd replaces the head-turning keyboard controls with WASD driving the
// original forward and sideways velocity counters, doubled while LShift is
// held. The replacement is shorter than the code it displaces, so it ends
// with a jump to the rejoin point and nop fill for the remainder; the
// vsync shim is later placed inside that reclaimed space.
//
// Returns the CS offset of the first byte after the jump, where the vsync
// shim goes.
func (c *catalog) wasd() (int, error) {
	off, err := c.eng.findOffset(c.pages,
		`\x80\x3d.{4}\x00\x0f\x84\x93\x00\x00\x00\x33\xc0`, 0, "WASD mod point")
	if err != nil {
		return 0, err
	}
	rejoin, err := c.eng.findOffset(c.pages,
		strings.Repeat(`\x0f\xb6\x1d.{4}\x80\xa3.{4}\x01`, 7), 0, "WASD rejoin mod point")
	if err != nil {
		return 0, err
	}
	v := c.vars
	lblDown := c.asm.NewLabel()
	lblLeftyRighty := c.asm.NewLabel()
	lblApplyFwd := c.asm.NewLabel()
	lblRight := c.asm.NewLabel()
	lblFin := c.asm.NewLabel()
	lblApplyStrafe := c.asm.NewLabel()
	lblSkip := c.asm.NewLabel()

	var insts []x86.Inst
	if v.HasAbductor {
		insts = append(insts,
			x86.CmpMem8Imm8(x86.Memory(v.UsingAbductor), 0),
			x86.Jcc(x86.CondNE, lblSkip),
		)
	}
	insts = append(insts,
		x86.MovMemImm32(x86.Memory(v.StrafeFlag), 1),

		x86.XorRegReg(x86.EAX, x86.EAX),
		x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyW), 3),
		x86.Jcc(x86.CondE, lblDown),
		x86.SubEAX(0x4000),
		x86.WithLabel(lblDown, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyS), 3)),
		x86.Jcc(x86.CondE, lblLeftyRighty),
		x86.AddEAX(0x4000),
		x86.WithLabel(lblLeftyRighty, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 3)),
		x86.Jcc(x86.CondE, lblApplyFwd),
		x86.ShlReg1(x86.EAX),
		x86.WithLabel(lblApplyFwd, x86.MovMemEAX(x86.Memory(v.FwdVeloc))),

		x86.XorRegReg(x86.EAX, x86.EAX),
		x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyA), 3),
		x86.Jcc(x86.CondE, lblRight),
		x86.SubEAX(0xC000),
		x86.WithLabel(lblRight, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyD), 3)),
		x86.Jcc(x86.CondE, lblFin),
		x86.AddEAX(0xC000),
		x86.WithLabel(lblFin, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 3)),
		x86.Jcc(x86.CondE, lblApplyStrafe),
		x86.ShlReg1(x86.EAX),
		x86.WithLabel(lblApplyStrafe, x86.MovMemEAX(x86.Memory(v.StrafeVeloc))),

		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyW), 1),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyS), 1),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyA), 1),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyD), 1),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 1),
		x86.WithLabel(lblSkip, x86.Nop()),
	)
	block, err := c.asm.Assemble(insts)
	if err != nil {
		return 0, err
	}
	block = append(block, x86.JmpRel32Raw(int32(rejoin-(off+len(block))-5))...)
	wasdEnd := off + len(block)
	gap := rejoin - wasdEnd
	if gap < 0 {
		return 0, detectionErrorf("WASD mod point",
			"replacement block overruns the rejoin point by %d bytes", -gap)
	}
	block = append(block, bytes.Repeat([]byte{0x90}, gap)...)
	c.code = append(c.code, CodePatch{block, off})
	return wasdEnd, nil
}

// rkeyNop removes the original "run" binding on the R key, which the
// crouch patch reuses.
func (c *catalog) rkeyNop() error {
	off, err := c.eng.findOffset(c.pages,
		`\x0f\xb6\x1d.{4}\xf6\x83.{4}\x01\x75\x0c\x66\xb9\x02\x00\x2a\x0d.{4}\xd3\xf8`,
		0, "R key mod point")
	if err != nil {
		return err
	}
	payload, err := c.asm.Assemble(nops(28))
	if err != nil {
		return err
	}
	c.code = append(c.code, CodePatch{payload, off})
	return nil
}

// crouch replaces the eye-level controls (LCtrl/LAlt to drop, LShift to
// raise, E to restore) with crouching while C is held, tiptoes while R is
// held, and a gradual return to the neutral eye level otherwise.
func (c *catalog) crouch() error {
	off, err := c.eng.findOffset(c.pages,
		`\x0f\xb6\x05.{4}\x0f\xb6\x1d.{4}\xf6\x80.{4}\x03`, 0, "crouch mod point")
	if err != nil {
		return err
	}
	v := c.vars
	lblStart := c.asm.NewLabel()
	lblTippytoes := c.asm.NewLabel()
	lblCrouch := c.asm.NewLabel()
	lblRestore := c.asm.NewLabel()
	lblAdjust := c.asm.NewLabel()
	lblSkip := c.asm.NewLabel()
	lblFin := c.asm.NewLabel()

	var insts []x86.Inst
	if v.HasAbductor {
		insts = append(insts,
			x86.CmpMem8Imm8(x86.Memory(v.UsingAbductor), 0),
			x86.Jcc(x86.CondE, lblStart),
			x86.Ret(),
		)
	}
	insts = append(insts,
		x86.WithLabel(lblStart, x86.Push(x86.ECX)),
		x86.Push(x86.EDX),
		// ECX = neutral eye level
		x86.MovRegMem(x86.ECX, x86.Memory(v.EyeMin)),
		x86.AddRegMem(x86.ECX, x86.Memory(v.EyeRestore)),

		x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyC), 3),
		x86.Jcc(x86.CondNE, lblCrouch),
		x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyR), 3),
		x86.Jcc(x86.CondE, lblRestore),

		x86.WithLabel(lblTippytoes, x86.MovEAXMem(x86.Memory(v.EyeIncr))),
		x86.AddMemReg(x86.Memory(v.EyeLevel), x86.EAX),
		x86.MovEAXMem(x86.Memory(v.EyeLevel)),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.EyeMax)),
		x86.Jcc(x86.CondLE, lblFin),
		x86.MovEAXMem(x86.Memory(v.EyeMax)),
		x86.MovMemEAX(x86.Memory(v.EyeLevel)),
		x86.Jmp(lblFin),

		x86.WithLabel(lblCrouch, x86.MovEAXMem(x86.Memory(v.EyeIncr))),
		x86.SubMemReg(x86.Memory(v.EyeLevel), x86.EAX),
		x86.MovEAXMem(x86.Memory(v.EyeLevel)),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.EyeMin)),
		x86.Jcc(x86.CondGE, lblFin),
		x86.MovEAXMem(x86.Memory(v.EyeMin)),
		x86.MovMemEAX(x86.Memory(v.EyeLevel)),
		x86.Jmp(lblFin),

		// if incr > abs(eye level - neutral), snap to neutral
		x86.WithLabel(lblRestore, x86.MovEAXMem(x86.Memory(v.EyeLevel))),
		x86.SubRegReg(x86.EAX, x86.ECX),
		x86.Cdq(),
		x86.XorRegReg(x86.EAX, x86.EDX),
		x86.SubRegReg(x86.EAX, x86.EDX),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.EyeIncr)),
		x86.Jcc(x86.CondLE, lblSkip),

		// step toward neutral: incr is negative above it, positive below
		x86.MovEAXMem(x86.Memory(v.EyeIncr)),
		x86.CmpRegMem(x86.ECX, x86.Memory(v.EyeLevel)),
		x86.Jcc(x86.CondG, lblAdjust),
		x86.Neg(x86.EAX),
		x86.WithLabel(lblAdjust, x86.AddMemReg(x86.Memory(v.EyeLevel), x86.EAX)),
		x86.Jmp(lblFin),

		x86.WithLabel(lblSkip, x86.MovMemReg(x86.Memory(v.EyeLevel), x86.ECX)),

		x86.WithLabel(lblFin, x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyC), 1)),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyR), 1),
		x86.Pop(x86.EDX),
		x86.Pop(x86.ECX),
		x86.Ret(),
	)
	payload, err := c.asm.Assemble(insts)
	if err != nil {
		return err
	}
	c.code = append(c.code, CodePatch{payload, off})
	return nil
}

// vsync shims the interactive-mode frame draw with a VBE 2.0 Set Display
// Start call (INT 10h, AX=4F07h, BL=80h) that blocks until the vertical
// retrace. The 3D engine never waits for vsync, which is invisible at a
// 486's frame rate but a flickering mess on modern hardware. The engine is
// not double-buffered so tearing is reduced, not eliminated.
//
// The shim lives in the space reclaimed by the WASD patch; every call to
// the original frame-draw routine is redirected through it.
func (c *catalog) vsync(vsyncOff int) error {
	var drawOff int
	var err error
	// Pandora restructured this function, so two detection pathways.
	switch c.game {
	case GameKillingMoon:
		drawOff, err = c.eng.findOffset(c.pages,
			`\x3a\x05.{4}\x74\x22`, 0, "interactive frame draw code")
		if err != nil {
			return err
		}
		call1, err := c.eng.findOffset(c.pages,
			`\xe8.{4}\x9c\x0f\xb6\xc0`, 0, "frame call 1")
		if err != nil {
			return err
		}
		c.code = append(c.code, CodePatch{x86.CallRel32(int32(vsyncOff - (call1 + 5))), call1})
	case GamePandora:
		drawOff, err = c.eng.findOffset(c.pages,
			`\x06\x60\x66\xc7\x05.{4}\x00\x00\xa8\x01`, 0, "interactive frame draw code")
		if err != nil {
			return err
		}
		call1, err := c.eng.findOffset(c.pages,
			`\xe8.{4}\x89\x45\xf8\xb8.{4}`, 0, "frame call 1")
		if err != nil {
			return err
		}
		c.code = append(c.code, CodePatch{x86.CallRel32(int32(vsyncOff - (call1 + 5))), call1})
		call2, err := c.eng.findOffset(c.pages,
			`\xe8.{4}\x89\x45\xf4\xb8.{4}`, 0, "frame call 2")
		if err != nil {
			return err
		}
		c.code = append(c.code, CodePatch{x86.CallRel32(int32(vsyncOff - (call2 + 5))), call2})
	}

	shim, err := c.asm.Assemble([]x86.Inst{
		x86.Push(x86.EAX),
		x86.Push(x86.EBX),
		x86.Push(x86.ECX),
		x86.Push(x86.EDX),
		x86.MovReg16Imm16(x86.EAX, 0x4F07),
		x86.MovReg16Imm16(x86.EBX, 0x0080),
		x86.MovReg16Imm16(x86.ECX, 0x0000),
		x86.MovReg16Imm16(x86.EDX, 0x0000),
		x86.Int(0x10),
		x86.Pop(x86.EDX),
		x86.Pop(x86.ECX),
		x86.Pop(x86.EBX),
		x86.Pop(x86.EAX),
	})
	if err != nil {
		return err
	}
	shim = append(shim, x86.JmpRel32Raw(int32(drawOff-(vsyncOff+len(shim)+5)))...)
	c.code = append(c.code, CodePatch{shim, vsyncOff})
	return nil
}

// abductor rewrites the Alien Abductor remote-control vehicle handler.
// The original ramps the velocity up and down smoothly, but the ramp is
// coupled to frame rate instead of timer ticks and runs far too fast on
// modern hardware. The original code also sprawls and repeats itself, so
// it is replaced wholesale: d-pad left/right sets the turn velocity, up/
// down the forward velocity, the injected hover keys step the eye level
// within its clamps, and LShift doubles speeds.
func (c *catalog) abductor() error {
	off, err := c.eng.findOffset(c.pages,
		`\x53\x51\x52\x56\x57\x55\x89\xe5\x81\xec\x0c\x00\x00\x00\xeb\x10`,
		0, "Alien Abductor control buttons")
	if err != nil {
		return err
	}
	v := c.vars
	lblHoverupWrite := c.asm.NewLabel()
	lblHoverdown := c.asm.NewLabel()
	lblHoverdownWrite := c.asm.NewLabel()
	lblDpad := c.asm.NewLabel()
	lblMove := c.asm.NewLabel()
	lblLeftrightSpeed := c.asm.NewLabel()
	lblLeftrightApply := c.asm.NewLabel()
	lblUpdown := c.asm.NewLabel()
	lblUpdownSpeed := c.asm.NewLabel()
	lblUpdownApply := c.asm.NewLabel()
	lblFin := c.asm.NewLabel()

	payload, err := c.asm.Assemble([]x86.Inst{
		x86.CmpMem8Imm8(x86.Memory(v.FakeKeyInput), keyLShift),
		x86.Jcc(x86.CondNE, lblHoverdown),
		x86.MovEAXMem(x86.Memory(v.EyeLevel)),
		x86.AddEAX(0x400),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.EyeMax)),
		x86.Jcc(x86.CondL, lblHoverupWrite),
		x86.MovEAXMem(x86.Memory(v.EyeMax)),
		x86.WithLabel(lblHoverupWrite, x86.MovMemEAX(x86.Memory(v.EyeLevel))),

		x86.WithLabel(lblHoverdown, x86.CmpMem8Imm8(x86.Memory(v.FakeKeyInput), 0x38)),
		x86.Jcc(x86.CondNE, lblDpad),
		x86.MovEAXMem(x86.Memory(v.EyeLevel)),
		x86.SubEAX(0x400),
		x86.CmpRegMem(x86.EAX, x86.Memory(v.EyeMin)),
		x86.Jcc(x86.CondG, lblHoverdownWrite),
		x86.MovEAXMem(x86.Memory(v.EyeMin)),
		x86.WithLabel(lblHoverdownWrite, x86.MovMemEAX(x86.Memory(v.EyeLevel))),

		x86.WithLabel(lblDpad, x86.MovALMem(x86.Memory(v.AbductorState))),
		x86.CmpALImm8(2),
		x86.Jcc(x86.CondE, lblMove),
		x86.MovMemImm32(x86.Memory(v.StrafeVeloc), 0),
		x86.MovMemImm32(x86.Memory(v.FwdVeloc), 0),
		x86.Jmp(lblFin),

		x86.WithLabel(lblMove, x86.TestMem8Imm8(x86.Memory(v.AbductorDpad), 0xC)),
		x86.Jcc(x86.CondE, lblUpdown),
		x86.MovRegImm32(x86.EAX, 0x400000),
		x86.TestMem8Imm8(x86.Memory(v.AbductorDpad), 0x8),
		x86.Jcc(x86.CondNE, lblLeftrightSpeed),
		x86.Neg(x86.EAX),
		x86.WithLabel(lblLeftrightSpeed, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 3)),
		x86.Jcc(x86.CondE, lblLeftrightApply),
		x86.ShlReg1(x86.EAX),
		x86.WithLabel(lblLeftrightApply, x86.MovMemEAX(x86.Memory(v.StrafeVeloc))),

		x86.WithLabel(lblUpdown, x86.TestMem8Imm8(x86.Memory(v.AbductorDpad), 3)),
		x86.Jcc(x86.CondE, lblFin),
		x86.MovRegImm32(x86.EAX, 0x1800),
		x86.TestMem8Imm8(x86.Memory(v.AbductorDpad), 2),
		x86.Jcc(x86.CondNE, lblUpdownSpeed),
		x86.Neg(x86.EAX),
		x86.WithLabel(lblUpdownSpeed, x86.TestMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 3)),
		x86.Jcc(x86.CondE, lblUpdownApply),
		x86.ShlReg1(x86.EAX),
		x86.WithLabel(lblUpdownApply, x86.MovMemEAX(x86.Memory(v.FwdVeloc))),

		x86.WithLabel(lblFin, x86.MovMem16Imm16(x86.Memory(v.MouseXMod), 0)),
		x86.MovMem16Imm16(x86.Memory(v.MouseYMod), 0),
		x86.AndMem8Imm8(x86.Memory(v.KeyboardState+keyLShift), 1),
		x86.Ret(),
	})
	if err != nil {
		return err
	}
	c.code = append(c.code, CodePatch{payload, off})
	return nil
}

// abductorHoverNops removes the code that injects keyboard presses for
// the hover up/down buttons: it relied on the original eye level handler
// that the crouch patch threw out.
func (c *catalog) abductorHoverNops() error {
	for _, site := range []struct {
		pattern string
		label   string
	}{
		{`\x80\x88.{4}\x02\xc6\x05.{4}\x00\xc6\x05.{4}\x00\x31\xc0\xe8.{4}\x80\x3d.{4}\x00\x74\x1e\xe8.{4}\xba\x01\x00\x00\x00\xb8\x04\x00\x00\x00`,
			"Alien Abductor hover-up button"},
		{`\x80\x88.{4}\x02\xc6\x05.{4}\x00\xc6\x05.{4}\x00\x31\xc0\xe8.{4}\x80\x3d.{4}\x00\x74\x1e\xe8.{4}\xba\x01\x00\x00\x00\xb8\x05\x00\x00\x00`,
			"Alien Abductor hover-down button"},
	} {
		off, err := c.eng.findOffset(c.pages, site.pattern, 0, site.label)
		if err != nil {
			return err
		}
		payload, err := c.asm.Assemble(nops(7))
		if err != nil {
			return err
		}
		c.code = append(c.code, CodePatch{payload, off})
	}
	return nil
}

// creditData replaces the tail of the opening credits text.
var creditData = []byte("(c) 1993.        \rMouselook v1.2 (c) 2025 moralrecordings.    \r                                ")

// credits swaps part of the Killing Moon opening credits for the mod
// credit. The marker is absent from some pressings; that is the one
// lookup that is allowed to fail quietly.
func (c *catalog) credits() error {
	off, err := c.eng.findOffset(c.pages, "and developed by", 0, "opening credits")
	if err != nil {
		var derr *DetectionError
		if errors.As(err, &derr) {
			return nil
		}
		return err
	}
	c.data = append(c.data, DataPatch{creditData, off - dsBase})
	return nil
}
