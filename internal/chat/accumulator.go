package chat

import (
	"strings"

	"github.com/ent0n29/voicecall/internal/voice"
)

// Accumulator collects one streamed reply. It lives for exactly one request.
type Accumulator struct {
	aggregated          strings.Builder
	firstSentenceSpoken bool
}

// Append adds a fragment. The first time the aggregate starts with a complete sentence,
// that sentence is returned with ok=true; later calls never return one again.
func (a *Accumulator) Append(fragment string) (first string, ok bool) {
	a.aggregated.WriteString(fragment)
	if a.firstSentenceSpoken {
		return "", false
	}
	first, ok = voice.FirstCompleteSentence(a.aggregated.String())
	if !ok {
		return "", false
	}
	a.firstSentenceSpoken = true
	return first, true
}

func (a *Accumulator) Text() string {
	return a.aggregated.String()
}

func (a *Accumulator) FirstSentenceSpoken() bool {
	return a.firstSentenceSpoken
}
