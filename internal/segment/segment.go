package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	OpenMarker  = "<<"
	CloseMarker = ">>"

	// FlushRunes is the primary-text length at which a unit is ready to be spoken.
	FlushRunes = 15
)

// Unit is one primary sentence paired with its inline translation.
type Unit struct {
	Primary     string
	Translation string
	Ready       bool
}

// MalformedUnitError reports a closing marker with no opening marker before it.
type MalformedUnitError struct {
	Fragment string
}

func (e *MalformedUnitError) Error() string {
	return fmt.Sprintf("malformed unit: no %q before %q in %q", OpenMarker, CloseMarker, e.Fragment)
}

// Segmenter extracts units from a growing buffer. The zero value uses FlushRunes.
type Segmenter struct {
	MinRunes int
}

// Extract looks for the next completed unit in buf[cursor:].
//
// When no closing marker is present yet it returns ok=false and the cursor unchanged.
// A closing marker without a preceding opening marker yields a *MalformedUnitError and a
// cursor moved past the closing marker so the caller can skip the fragment.
func (s Segmenter) Extract(buf string, cursor int) (Unit, int, bool, error) {
	if cursor < 0 || cursor > len(buf) {
		return Unit{}, cursor, false, fmt.Errorf("cursor %d out of range [0,%d]", cursor, len(buf))
	}
	tail := buf[cursor:]
	end := strings.Index(tail, CloseMarker)
	if end < 0 {
		return Unit{}, cursor, false, nil
	}
	next := cursor + end + len(CloseMarker)
	sentence := tail[:end]
	open := strings.Index(sentence, OpenMarker)
	if open < 0 {
		return Unit{}, next, true, &MalformedUnitError{Fragment: tail[:end+len(CloseMarker)]}
	}
	primary := sentence[:open]
	unit := Unit{
		Primary:     primary,
		Translation: sentence[open+len(OpenMarker):],
		Ready:       utf8.RuneCountInString(primary) >= s.minRunes(),
	}
	return unit, next, true, nil
}

func (s Segmenter) minRunes() int {
	if s.MinRunes > 0 {
		return s.MinRunes
	}
	return FlushRunes
}

// Extract runs the default Segmenter.
func Extract(buf string, cursor int) (Unit, int, bool, error) {
	return Segmenter{}.Extract(buf, cursor)
}
