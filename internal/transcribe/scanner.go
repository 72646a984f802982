package transcribe

import (
	"encoding/json"
	"log/slog"
)

// ObjectScanner extracts complete top-level JSON objects from a growing
// character stream that forms a single JSON array. It consumes each input
// chunk exactly once: no characters are re-scanned when the next chunk
// arrives, so fragment boundaries may fall anywhere, including inside string
// escapes.
//
// Objects that close syntactically but fail to parse as JSON are dropped and
// the scan continues; a malformed object is never fatal to the stream. Input
// before the opening '[' is skipped, and input after the matching ']' is
// ignored until another '[' appears.
//
// The zero value is ready to use. Not safe for concurrent use.
type ObjectScanner struct {
	inArray    bool
	braceDepth int
	inString   bool
	escapeNext bool
	buf        []byte
}

// Feed consumes the next chunk and returns the raw JSON of every object whose
// closing brace arrived within it, in stream order. The returned slices are
// copies; they remain valid after subsequent Feed calls.
func (s *ObjectScanner) Feed(chunk string) []json.RawMessage {
	var out []json.RawMessage

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if !s.inArray {
			if c == '[' {
				s.inArray = true
			}
			continue
		}

		if s.braceDepth == 0 {
			// Between objects: only '{' starts buffering, ']' ends the array.
			switch c {
			case '{':
				s.braceDepth = 1
				s.buf = append(s.buf[:0], c)
			case ']':
				s.inArray = false
			}
			// Commas and whitespace are skipped.
			continue
		}

		// Inside an object: every character is part of the buffer.
		s.buf = append(s.buf, c)

		if s.escapeNext {
			s.escapeNext = false
			continue
		}
		if s.inString {
			switch c {
			case '\\':
				s.escapeNext = true
			case '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.braceDepth++
		case '}':
			s.braceDepth--
			if s.braceDepth == 0 {
				if obj := s.take(); obj != nil {
					out = append(out, obj)
				}
			}
		}
	}

	return out
}

// take validates the buffered object and resets the buffer. Returns nil when
// the buffer does not hold valid JSON.
func (s *ObjectScanner) take() json.RawMessage {
	raw := make(json.RawMessage, len(s.buf))
	copy(raw, s.buf)
	s.buf = s.buf[:0]

	if !json.Valid(raw) {
		slog.Debug("dropping malformed transcript object", "bytes", len(raw))
		return nil
	}
	return raw
}

// Reset returns the scanner to its initial state, discarding any partially
// buffered object.
func (s *ObjectScanner) Reset() {
	*s = ObjectScanner{buf: s.buf[:0]}
}
