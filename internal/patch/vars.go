package patch

// Vars holds the data-segment addresses of the engine variables the
// patches wire into. The games ship in several versions and languages
// with identical engine logic but shuffled data layouts, so each address
// is recovered from a byte-pattern signature around code that accesses
// it rather than hard-coded.
type Vars struct {
	RotAngle      uint32 // head rotation angle
	TiltAngle     uint32 // head tilt angle
	TiltAngleLast uint32 // last head tilt angle
	TiltBottom    uint32 // min head tilt angle (floor)
	TiltTop       uint32 // max head tilt angle (ceiling)
	StrafeFlag    uint32 // strafe mode flag
	KeyboardState uint32 // keyboard state array, indexed by scancode
	FwdVeloc      uint32 // forward velocity, world units
	StrafeVeloc   uint32 // strafe velocity, world units
	EyeIncr       uint32 // eye level increment
	EyeLevel      uint32 // current eye level
	EyeMax        uint32 // max eye level
	EyeMin        uint32 // min eye level
	EyeRestore    uint32 // default eye level

	// Pandora Directive only: the Alien Abductor remote control vehicle.
	HasAbductor   bool
	UsingAbductor uint32 // flag: abductor mode active
	AbductorState uint32 // abductor vehicle state
	AbductorDpad  uint32 // directional pad state
	FakeKeyInput  uint32 // injected key input buffer
	MouseXMod     uint32 // unbounded mouse X buffer
	MouseYMod     uint32 // unbounded mouse Y buffer
}

// varPattern pairs a signature with the value it resolves.
type varPattern struct {
	dst     *uint32
	pattern string
	label   string
}

// resolveVars scrapes every variable address the mouselook patches need.
// Any missing or ambiguous signature aborts the run before a single byte
// of output is produced.
func (e *Engine) resolveVars(pages []byte, game Game) (*Vars, error) {
	v := &Vars{}
	patterns := []varPattern{
		{&v.RotAngle, `\xa3(.{4})\xc1\xf8\x10\xe8.{4}\xa1.{4}`, "head rotation angle"},
		{&v.TiltAngle, `\xc7\x05(.{4})\x2c\x01\x00\x00`, "head tilt angle"},
		{&v.TiltAngleLast, `\xa3(.{4})\xa1.{4}\x0b\xc0\x74\x2c`, "last head tilt angle"},
		{&v.TiltBottom, `\xa1(.{4})\xa3.{4}\xa3.{4}\x0f\xb6\x1d.{4}`, "min head tilt angle"},
		{&v.TiltTop, `\xa1(.{4})\xa3.{4}\xa3.{4}\xa1.{4}\x0b\xc0`, "max head tilt angle"},
		{&v.StrafeFlag, `\x83\x25(.{4})\xfc\x66\x0f.{4}`, "strafe flag"},
		{&v.KeyboardState, `\xb9\x2c\x00\x00\x00\xbf(.{4})`, "keyboard state array"},
		{&v.FwdVeloc, `\xf7\x2d.{4}\x0f\xac\xd0\x10\xa3(.{4})\x8b\xc1`, "forward velocity"},
		{&v.StrafeVeloc, `\x0b\xed\x79\x02\xf7\xd8\xa3(.{4})\xc3`, "strafe velocity"},
		{&v.EyeIncr, `\x80\xa0.{4}\x01\x80\xa3.{4}\x01\xa1(.{4})`, "eye level increment"},
		{&v.EyeLevel, `\x80\xa0.{4}\x01\x80\xa3.{4}\x01\xa1.{4}\x29\x05(.{4})`, "eye level"},
		{&v.EyeMax, `\xc1\xe1\x0c\x03\xc1\xa3(.{4})`, "max eye level"},
		{&v.EyeMin, `\x83\xf8\x00\x74\x1f\xe8.{4}\x2b\x05(.{4})`, "min eye level"},
		{&v.EyeRestore, `\x2b\xd0\x89\x15(.{4})`, "default eye level"},
	}
	if game == GamePandora {
		v.HasAbductor = true
		patterns = append(patterns,
			varPattern{&v.UsingAbductor, `\x88\x45\xfc\xf6\x45\xfc\x02\x75\x05\xe8.{4}\xe8.{4}\xc6\x05(.{4})\x01`, "Alien Abductor flag"},
			varPattern{&v.AbductorState, `\x8b\x45\xf0\x80\x88.{4}\x02\x80\x3d(.{4})\x02`, "Alien Abductor state"},
			varPattern{&v.AbductorDpad, `\xf7\xd8\x89\x45\xf8\xf6\x05(.{4})\x04`, "Alien Abductor directional pad state"},
			varPattern{&v.FakeKeyInput, `\xc7\x45\xf4\x00\x00\x00\x00\xc7\x45\xfc(.{4})\x8b\x45\xfc`, "Alien Abductor key input buffer"},
			varPattern{&v.MouseXMod, `\xe9\x1f\x02\x00\x00\xc7\x45\xfc\x0c\x00\x00\x00\x66\xc7\x05(.{4})\x00\x00\x66\xc7\x05.{4}\x00\x00`, "Alien Abductor mouse X buffer"},
			varPattern{&v.MouseYMod, `\xe9\x1f\x02\x00\x00\xc7\x45\xfc\x0c\x00\x00\x00\x66\xc7\x05.{4}\x00\x00\x66\xc7\x05(.{4})\x00\x00`, "Alien Abductor mouse Y buffer"},
		)
	}
	for _, p := range patterns {
		addr, err := e.findVariable(pages, p.pattern, p.label)
		if err != nil {
			return nil, err
		}
		*p.dst = addr
	}
	return v, nil
}
