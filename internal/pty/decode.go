package pty

import (
	"strings"
	"unicode/utf8"
)

// utf8Stream turns a byte stream into valid UTF-8 text. A character split
// across two reads is held back until its remaining bytes arrive; an invalid
// sequence becomes a single U+FFFD per maximal invalid subpart.
type utf8Stream struct {
	pending []byte
}

// Feed appends p and returns all text that can be decoded so far.
func (s *utf8Stream) Feed(p []byte) string {
	buf := p
	if len(s.pending) > 0 {
		buf = append(s.pending, p...)
	}

	text, rest := decodePrefix(buf)
	s.pending = append(s.pending[:0], rest...)
	return text
}

// Flush returns whatever is still pending. An incomplete trailing sequence
// can no longer complete, so it becomes one replacement character.
func (s *utf8Stream) Flush() string {
	if len(s.pending) == 0 {
		return ""
	}
	s.pending = s.pending[:0]
	return string(utf8.RuneError)
}

// decodePrefix decodes buf up to a trailing incomplete sequence, which is
// returned undecoded as rest.
func decodePrefix(buf []byte) (text string, rest []byte) {
	if utf8.Valid(buf) {
		return string(buf), nil
	}

	var b strings.Builder
	b.Grow(len(buf) + 2)

	i := 0
	for i < len(buf) {
		c := buf[i]
		if c < utf8.RuneSelf {
			b.WriteByte(c)
			i++
			continue
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r != utf8.RuneError || size > 1 {
			b.Write(buf[i : i+size])
			i += size
			continue
		}
		n, incomplete := invalidSpan(buf[i:])
		if incomplete {
			return b.String(), buf[i:]
		}
		b.WriteRune(utf8.RuneError)
		i += n
	}
	return b.String(), nil
}

// invalidSpan measures the undecodable sequence at the start of b: the lead
// byte plus every continuation byte that is still valid for it. incomplete is
// true when b ends before the sequence could be judged.
func invalidSpan(b []byte) (n int, incomplete bool) {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch lead := b[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 1
	case lead == 0xE0:
		need, lo = 2, 0xA0
	case lead == 0xED:
		need, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		need = 2
	case lead == 0xF0:
		need, lo = 3, 0x90
	case lead == 0xF4:
		need, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		need = 3
	default:
		// stray continuation byte, overlong lead or out-of-range lead
		return 1, false
	}

	for i := 1; i <= need; i++ {
		if i >= len(b) {
			return i, true
		}
		if c := b[i]; c < lo || c > hi {
			return i, false
		}
		lo, hi = 0x80, 0xBF
	}
	return need + 1, false
}
