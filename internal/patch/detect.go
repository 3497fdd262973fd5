package patch

import "encoding/binary"

// Game identifies which of the two supported titles is being patched.
type Game int

const (
	GameUnknown Game = iota
	GameKillingMoon
	GamePandora
)

// gameNames maps each Game to the title string embedded in the executable.
var gameNames = [...]string{
	GameUnknown:     "unknown",
	GameKillingMoon: "Under a Killing Moon",
	GamePandora:     "The Pandora Directive",
}

// String returns the full game title.
func (g Game) String() string {
	if g < 0 || int(g) >= len(gameNames) {
		return "unknown"
	}
	return gameNames[g]
}

// Version describes the detected game variant.
type Version struct {
	Game     Game
	Number   string // e.g. "1.02"
	Language string // e.g. "ENGLISH", or "UNKNOWN" if not present
}

// The command-line version screen is an ANSI box-drawing banner with the
// title on one line and "Version x.yz" on the next. Some pressings
// terminate lines with LF CR instead of CR LF, so both orders are
// accepted. The title capture is lazy so box padding is not swept into
// the name.
const titlePattern = `\xda\xc4+\xbf(?:\x0a\x0d|\x0d\x0a)\xb3\x20+([A-Za-z ]+?)\x20+\xb3(?:\x0a\x0d|\x0d\x0a)\xb3\x20+Version ([0-9.]+)\x20+\xb3`

// One debug message carries the language the executable was built for.
const languagePattern = `\x00([A-Za-z]+)\x00Retrieving DIGI settings`

// DetectVersion scrapes the game title, version number and language from
// the data pages.
func DetectVersion(pages []byte) (Version, error) {
	matches, err := grep(pages, titlePattern)
	if err != nil {
		return Version{}, err
	}
	if len(matches) == 0 {
		return Version{}, detectionErrorf("title screen",
			"failed to detect Under a Killing Moon or The Pandora Directive")
	}
	v := Version{
		Number:   string(matches[0].Groups[2]),
		Language: "UNKNOWN",
	}
	name := string(matches[0].Groups[1])

	langMatches, err := grep(pages, languagePattern)
	if err != nil {
		return Version{}, err
	}
	if len(langMatches) > 0 {
		v.Language = string(langMatches[0].Groups[1])
	}

	switch name {
	case GameKillingMoon.String():
		v.Game = GameKillingMoon
	case GamePandora.String():
		v.Game = GamePandora
	default:
		return Version{}, detectionErrorf("title screen",
			`unknown game %q, must be one of "Under a Killing Moon" or "The Pandora Directive"`, name)
	}
	return v, nil
}

// FindOffset locates a unique pattern in pages and returns the match start
// plus delta. Zero or multiple matches are detection failures.
func FindOffset(pages []byte, pattern string, delta int, label string) (int, error) {
	if pattern == "" {
		return 0, detectionErrorf(label, "no pattern, aborting")
	}
	matches, err := grep(pages, pattern)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, detectionErrorf(label, "could not find offset, aborting")
	}
	if len(matches) > 1 {
		return 0, detectionErrorf(label, "%d offset matches found, aborting", len(matches))
	}
	return matches[0].Start + delta, nil
}

// FindVariable locates a unique pattern whose first capture group holds
// the little-endian address of a data-segment variable, and returns that
// address.
func FindVariable(pages []byte, pattern string, label string) (uint32, error) {
	if pattern == "" {
		return 0, detectionErrorf(label, "no pattern, aborting")
	}
	matches, err := grep(pages, pattern)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, detectionErrorf(label, "could not find variable, aborting")
	}
	if len(matches) > 1 {
		return 0, detectionErrorf(label, "%d variable matches found, aborting", len(matches))
	}
	group := matches[0].Groups[1]
	if len(group) != 4 {
		return 0, detectionErrorf(label, "capture group is %d bytes, want 4", len(group))
	}
	return binary.LittleEndian.Uint32(group), nil
}
