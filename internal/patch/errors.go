package patch

import "fmt"

// DetectionError represents a failure to locate a required pattern in the
// executable's data pages: an unknown game variant, a missing injection
// site, or an ambiguous variable signature.
type DetectionError struct {
	Label string // human-readable name of what was being looked for
	Msg   string
}

func (e *DetectionError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s: %s", e.Label, e.Msg)
	}
	return e.Msg
}

func detectionErrorf(label, format string, args ...any) *DetectionError {
	return &DetectionError{Label: label, Msg: fmt.Sprintf(format, args...)}
}

// PayloadError represents an assembled payload containing a
// memory-referencing instruction the fixup synthesizer has no rule for.
// Shipping such a payload would leave an operand without a relocation, so
// the run is aborted instead.
type PayloadError struct {
	Op string // decoded instruction text
	IP int    // offset within the payload
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("no fixup rule for %q at payload offset 0x%x", e.Op, e.IP)
}
