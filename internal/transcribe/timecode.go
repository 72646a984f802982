package transcribe

import (
	"fmt"
	"strings"
)

// ParseTimecode converts a model timecode of the form "XmYsZms" (for example
// "1m23s450ms") into integer milliseconds. Malformed input yields 0; the
// model occasionally emits bad timecodes and a zero timestamp is preferable
// to losing the segment.
func ParseTimecode(tc string) int64 {
	rest := tc

	minutes, rest, ok := cutUnitMS(rest, "m")
	if !ok {
		return 0
	}
	seconds, rest, ok := cutUnitMS(rest, "s")
	if !ok {
		return 0
	}
	millis, rest, ok := cutUnitMS(rest, "ms")
	if !ok || rest != "" {
		return 0
	}

	return minutes*60_000 + seconds*1_000 + millis
}

// FormatTimecode renders milliseconds in the model's "XmYsZms" form.
// ParseTimecode(FormatTimecode(ms)) == ms for all non-negative ms.
func FormatTimecode(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%dm%ds%dms", ms/60_000, ms%60_000/1_000, ms%1_000)
}

// cutUnitMS parses a leading decimal number followed by the given unit
// suffix, returning the value and the unconsumed remainder.
//
// Units are matched greedily enough to keep "s" from swallowing the "ms"
// suffix: the digits run is taken first, then the unit must follow exactly.
func cutUnitMS(s, unit string) (value int64, rest string, ok bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		value = value*10 + int64(s[i]-'0')
		i++
	}
	if i == 0 {
		return 0, s, false
	}
	if !strings.HasPrefix(s[i:], unit) {
		return 0, s, false
	}
	return value, s[i+len(unit):], true
}
