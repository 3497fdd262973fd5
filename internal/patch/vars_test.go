package patch

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// plantSignatures lays out the code-shaped signature fragments the variable
// patterns anchor on, separated by filler, and returns the page buffer.
func plantSignatures(addrs map[string]uint32) []byte {
	pages := bytes.Repeat([]byte{0xCC}, 0x2000)
	pos := 0x40
	addr := func(name string) []byte {
		return binary.LittleEndian.AppendUint32(nil, addrs[name])
	}
	q := []byte{0x51, 0x52, 0x53, 0x54} // don't-care operand bytes
	put := func(chunks ...[]byte) {
		for _, ch := range chunks {
			copy(pages[pos:], ch)
			pos += len(ch)
		}
		pos += 8 // filler gap
	}

	put([]byte{0xA3}, addr("rot"), []byte{0xC1, 0xF8, 0x10, 0xE8}, q, []byte{0xA1}, q)
	put([]byte{0xC7, 0x05}, addr("tilt"), []byte{0x2C, 0x01, 0x00, 0x00})
	put([]byte{0xA3}, addr("tiltLast"), []byte{0xA1}, q, []byte{0x0B, 0xC0, 0x74, 0x2C})
	put([]byte{0xA1}, addr("tiltBottom"), []byte{0xA3}, q, []byte{0xA3}, q, []byte{0x0F, 0xB6, 0x1D}, q)
	put([]byte{0xA1}, addr("tiltTop"), []byte{0xA3}, q, []byte{0xA3}, q, []byte{0xA1}, q, []byte{0x0B, 0xC0})
	put([]byte{0x83, 0x25}, addr("strafeFlag"), []byte{0xFC, 0x66, 0x0F}, q)
	put([]byte{0xB9, 0x2C, 0x00, 0x00, 0x00, 0xBF}, addr("keyboard"))
	put([]byte{0xF7, 0x2D}, q, []byte{0x0F, 0xAC, 0xD0, 0x10, 0xA3}, addr("fwd"), []byte{0x8B, 0xC1})
	put([]byte{0x0B, 0xED, 0x79, 0x02, 0xF7, 0xD8, 0xA3}, addr("strafeVel"), []byte{0xC3})
	// The eye increment and eye level signatures overlap one code site.
	put([]byte{0x80, 0xA0}, q, []byte{0x01, 0x80, 0xA3}, q, []byte{0x01, 0xA1}, addr("eyeIncr"),
		[]byte{0x29, 0x05}, addr("eyeLevel"))
	put([]byte{0xC1, 0xE1, 0x0C, 0x03, 0xC1, 0xA3}, addr("eyeMax"))
	put([]byte{0x83, 0xF8, 0x00, 0x74, 0x1F, 0xE8}, q, []byte{0x2B, 0x05}, addr("eyeMin"))
	put([]byte{0x2B, 0xD0, 0x89, 0x15}, addr("eyeRestore"))
	return pages
}

func TestResolveVarsKillingMoon(t *testing.T) {
	addrs := map[string]uint32{
		"rot":        0x52100,
		"tilt":       0x52104,
		"tiltLast":   0x52108,
		"tiltBottom": 0x5210C,
		"tiltTop":    0x52110,
		"strafeFlag": 0x52114,
		"keyboard":   0x52200,
		"fwd":        0x52118,
		"strafeVel":  0x5211C,
		"eyeIncr":    0x52120,
		"eyeLevel":   0x52124,
		"eyeMax":     0x52128,
		"eyeMin":     0x5212C,
		"eyeRestore": 0x52130,
	}
	pages := plantSignatures(addrs)
	vars, err := New(nil).resolveVars(pages, GameKillingMoon)
	if err != nil {
		t.Fatalf("resolveVars: %v", err)
	}
	got := map[string]uint32{
		"rot":        vars.RotAngle,
		"tilt":       vars.TiltAngle,
		"tiltLast":   vars.TiltAngleLast,
		"tiltBottom": vars.TiltBottom,
		"tiltTop":    vars.TiltTop,
		"strafeFlag": vars.StrafeFlag,
		"keyboard":   vars.KeyboardState,
		"fwd":        vars.FwdVeloc,
		"strafeVel":  vars.StrafeVeloc,
		"eyeIncr":    vars.EyeIncr,
		"eyeLevel":   vars.EyeLevel,
		"eyeMax":     vars.EyeMax,
		"eyeMin":     vars.EyeMin,
		"eyeRestore": vars.EyeRestore,
	}
	for name, want := range addrs {
		if got[name] != want {
			t.Errorf("%s resolved to %#x, want %#x", name, got[name], want)
		}
	}
	if vars.HasAbductor {
		t.Error("Killing Moon must not carry abductor variables")
	}
}

func TestResolveVarsMissingSignature(t *testing.T) {
	pages := bytes.Repeat([]byte{0xCC}, 0x400)
	if _, err := New(nil).resolveVars(pages, GameKillingMoon); err == nil {
		t.Fatal("expected error when signatures are absent")
	}
}
