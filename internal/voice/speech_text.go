package voice

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxSentences = 2
	DefaultMaxChars     = 280
	ellipsis            = "..."
)

var (
	speechHTMLTagPattern      = regexp.MustCompile(`(?s)<[^>]*>`)
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechHeadingPattern      = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	speechQuotePattern        = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
	speechListMarkerPattern   = regexp.MustCompile(`(?m)^[ \t]*[-+][ \t]+`)
	speechUnderscorePattern   = regexp.MustCompile(`(^|[^\p{L}\p{N}])_+|_+([^\p{L}\p{N}]|$)`)
)

// Limits bounds how much of a reply is spoken.
type Limits struct {
	MaxSentences int
	MaxChars     int
}

func DefaultLimits() Limits {
	return Limits{MaxSentences: DefaultMaxSentences, MaxChars: DefaultMaxChars}
}

// FormatForVoice turns assistant text into a short speakable string: markup stripped,
// at most MaxSentences sentences, and at most MaxChars characters cut on a word boundary.
func FormatForVoice(text string, limits Limits) string {
	if limits.MaxSentences <= 0 {
		limits.MaxSentences = DefaultMaxSentences
	}
	if limits.MaxChars <= 0 {
		limits.MaxChars = DefaultMaxChars
	}

	out := sanitizeSpeechText(text)
	if out == "" {
		return ""
	}

	sentences := SplitSentences(out)
	if len(sentences) > limits.MaxSentences {
		sentences = sentences[:limits.MaxSentences]
	}
	out = strings.Join(sentences, " ")

	return truncateAtWord(out, limits.MaxChars)
}

// SplitSentences splits on '.', '!' or '?' followed by whitespace. The terminal mark stays
// with its sentence and the whitespace run is consumed. A trailing fragment without a
// terminal mark is returned as the last element.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var (
		out   []string
		start int
	)
	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminal(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// FirstCompleteSentence returns the first sentence of text when it already ends in a
// terminal mark.
func FirstCompleteSentence(text string) (string, bool) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return "", false
	}
	first := strings.TrimSpace(sentences[0])
	if first == "" {
		return "", false
	}
	if !isSentenceTerminal([]rune(first)[len([]rune(first))-1]) {
		return "", false
	}
	return first, true
}

// Remainder returns the part of formatted that follows an already spoken prefix.
func Remainder(formatted, spoken string) string {
	formatted = strings.TrimSpace(formatted)
	spoken = strings.TrimSpace(spoken)
	if spoken == "" {
		return formatted
	}
	if strings.HasPrefix(formatted, spoken) {
		return strings.TrimSpace(formatted[len(spoken):])
	}
	sentences := SplitSentences(formatted)
	if len(sentences) > 0 && strings.TrimSpace(sentences[0]) == spoken {
		return strings.Join(sentences[1:], " ")
	}
	return formatted
}

func truncateAtWord(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := runes[:maxChars]
	if !unicode.IsSpace(runes[maxChars]) {
		if idx := lastSpace(cut); idx > 0 {
			cut = cut[:idx]
		}
	}
	trimmed := strings.TrimRightFunc(string(cut), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':'
	})
	return trimmed + ellipsis
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// sanitizeSpeechText removes HTML and markdown markup and emoji from assistant text.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechHTMLTagPattern.ReplaceAllString(raw, " ")
	raw = html.UnescapeString(raw)
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = speechHeadingPattern.ReplaceAllString(raw, "")
	raw = speechQuotePattern.ReplaceAllString(raw, "")
	raw = speechListMarkerPattern.ReplaceAllString(raw, "")
	raw = speechUnderscorePattern.ReplaceAllString(raw, "$1 $2")
	raw = strings.NewReplacer(
		"*", " ",
		"~", " ",
		"|", " ",
		"\\", "",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.Is(unicode.So, r):
			// Emoji and pictographs.
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '$', '%', '&', '/', '#', '@', '_':
		return true
	default:
		return false
	}
}
