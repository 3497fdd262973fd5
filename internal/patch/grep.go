package patch

import (
	"regexp"
	"unicode/utf8"
)

// The detection patterns are written with \xNN escapes that must each
// match a single raw byte. Go's regexp engine matches runes, not bytes,
// so the page buffer is widened byte-for-rune before matching (every byte
// value NN becomes the rune U+00NN) and match indices are mapped back to
// byte offsets afterwards. A byte >= 0x80 widens to two UTF-8 bytes, so
// the mapping is a rune count, not an identity.

// widen converts raw bytes to a string with one rune per byte.
func widen(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// narrow converts a widened substring back to the raw bytes it matched.
func narrow(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

// match is one pattern hit with byte offsets into the original buffer.
type match struct {
	Start  int
	Groups [][]byte // capture groups, index 0 unused
}

// grep runs pattern over data and returns every hit. The pattern is
// compiled with (?s) so '.' matches any byte, including line terminators.
func grep(data []byte, pattern string) ([]match, error) {
	re, err := regexp.Compile("(?s)" + pattern)
	if err != nil {
		return nil, err
	}
	s := widen(data)
	var out []match
	for _, idx := range re.FindAllStringSubmatchIndex(s, -1) {
		m := match{Start: utf8.RuneCountInString(s[:idx[0]])}
		m.Groups = make([][]byte, len(idx)/2)
		for g := 1; g < len(idx)/2; g++ {
			if idx[2*g] >= 0 {
				m.Groups[g] = narrow(s[idx[2*g]:idx[2*g+1]])
			}
		}
		out = append(out, m)
	}
	return out, nil
}
