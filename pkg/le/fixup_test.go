package le

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestDecodeFixups32Off32(t *testing.T) {
	input := []byte{0x07, 0x10, 0x34, 0x12, 0x03, 0xef, 0xbe, 0xad, 0xde}
	fixups, err := DecodeFixups(input)
	if err != nil {
		t.Fatalf("DecodeFixups: %v", err)
	}
	if len(fixups) != 1 {
		t.Fatalf("got %d fixups, want 1", len(fixups))
	}
	f := fixups[0]
	if f.Kind != Fix32Off32 || f.SrcOff != 0x1234 || f.ObjNum != 2 || f.Data != 0xdeadbeef {
		t.Fatalf("got %+v", f)
	}
	out, err := EncodeFixups(fixups)
	if err != nil {
		t.Fatalf("EncodeFixups: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("round trip: got % x, want % x", out, input)
	}
}

func TestDecodeFixups32Off16(t *testing.T) {
	input := []byte{0x07, 0x00, 0x00, 0x00, 0x01, 0x42, 0x00}
	fixups, err := DecodeFixups(input)
	if err != nil {
		t.Fatalf("DecodeFixups: %v", err)
	}
	if len(fixups) != 1 {
		t.Fatalf("got %d fixups, want 1", len(fixups))
	}
	f := fixups[0]
	if f.Kind != Fix32Off16 || f.ObjNum != 0 || f.Data != 0x42 {
		t.Fatalf("got %+v", f)
	}
	out, err := EncodeFixups(fixups)
	if err != nil {
		t.Fatalf("EncodeFixups: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("round trip: got % x, want % x", out, input)
	}
}

func TestDecodeFixupsSelector(t *testing.T) {
	input := []byte{0x02, 0x00, 0x00, 0x00, 0x01}
	fixups, err := DecodeFixups(input)
	if err != nil {
		t.Fatalf("DecodeFixups: %v", err)
	}
	if len(fixups) != 1 || fixups[0].Kind != Fix16Sel {
		t.Fatalf("got %+v", fixups)
	}
	if fixups[0].Data != 0 {
		t.Fatalf("selector fixup carries data %#x", fixups[0].Data)
	}
	out, err := EncodeFixups(fixups)
	if err != nil {
		t.Fatalf("EncodeFixups: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("round trip: got % x, want % x", out, input)
	}
}

func TestDecodeFixupsUnknownSource(t *testing.T) {
	if _, err := DecodeFixups([]byte{0x09, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}); err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

func TestDecodeFixupsTruncated(t *testing.T) {
	for _, input := range [][]byte{
		{0x07},
		{0x07, 0x10, 0x34, 0x12},
		{0x07, 0x10, 0x34, 0x12, 0x03, 0xef},
		{0x05, 0x00, 0x00, 0x00, 0x01, 0x42},
	} {
		if _, err := DecodeFixups(input); err == nil {
			t.Errorf("expected error for truncated input % x", input)
		}
	}
}

// TestFixupsRoundTrip decodes randomized record streams and checks that
// encode(decode(stream)) reproduces the stream for every source/flags shape.
func TestFixupsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(0x7e3))
	srcs := []uint8{SrcSel16, SrcOff16, SrcPtr1632, SrcOff32}
	for round := 0; round < 200; round++ {
		var stream []byte
		count := 1 + rng.Intn(16)
		for i := 0; i < count; i++ {
			src := srcs[rng.Intn(len(srcs))]
			flags := uint8(0)
			if rng.Intn(2) == 1 {
				flags = FlagData32
			}
			stream = append(stream, src, flags)
			stream = append(stream, byte(rng.Intn(256)), byte(rng.Intn(16)))
			stream = append(stream, byte(1+rng.Intn(4)))
			if src != SrcSel16 {
				n := 2
				if flags&FlagData32 != 0 {
					n = 4
				}
				for j := 0; j < n; j++ {
					stream = append(stream, byte(rng.Intn(256)))
				}
			}
		}
		fixups, err := DecodeFixups(stream)
		if err != nil {
			t.Fatalf("round %d: DecodeFixups: %v", round, err)
		}
		out, err := EncodeFixups(fixups)
		if err != nil {
			t.Fatalf("round %d: EncodeFixups: %v", round, err)
		}
		if !bytes.Equal(out, stream) {
			t.Fatalf("round %d: round trip mismatch\n in % x\nout % x", round, stream, out)
		}
	}
}

func TestEncodeFixupsBadKind(t *testing.T) {
	if _, err := EncodeFixups([]Fixup{{Kind: FixupKind(99)}}); err == nil {
		t.Fatal("expected error for invalid fixup kind")
	}
}
