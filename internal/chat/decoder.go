package chat

import (
	"strings"
	"unicode/utf8"
)

// utf8Decoder turns a byte stream into text without splitting multi-byte runes that
// straddle read boundaries.
type utf8Decoder struct {
	pending []byte
}

func (d *utf8Decoder) Write(p []byte) string {
	d.pending = append(d.pending, p...)
	cut := len(d.pending)
	for i := len(d.pending) - 1; i >= 0 && i >= len(d.pending)-utf8.UTFMax; i-- {
		b := d.pending[i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(d.pending[i:]) {
				cut = i
			}
			break
		}
	}
	out := strings.ToValidUTF8(string(d.pending[:cut]), "\uFFFD")
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return out
}

// Flush returns whatever is left; a truncated rune becomes U+FFFD.
func (d *utf8Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(d.pending), "\uFFFD")
	d.pending = d.pending[:0]
	return out
}
