package voice

import (
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeSpeechText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops markdown markers",
			in:   "Sure **let's** do _this_ now.",
			want: "Sure let's do this now.",
		},
		{
			name: "keeps plain symbols",
			in:   "We answer 24/7 on claim #123, a+b=c, email help@ins.co or policy_id 9.",
			want: "We answer 24/7 on claim #123, a+b=c, email help@ins.co or policy_id 9.",
		},
		{
			name: "drops heading quote and list markers",
			in:   "## Coverage\n> Your plan\n- covers water\n- and fire",
			want: "Coverage Your plan covers water and fire",
		},
		{
			name: "keeps markdown link label and removes url",
			in:   "Read [the policy](https://example.com/policy) first.",
			want: "Read the policy first.",
		},
		{
			name: "strips html and unescapes entities",
			in:   "<p>Tom &amp; Jerry</p><br/>are covered.",
			want: "Tom & Jerry are covered.",
		},
		{
			name: "removes code blocks",
			in:   "```json\n{\"a\":1}\n```\nDone.",
			want: "Done.",
		},
		{
			name: "collapses whitespace",
			in:   "  Hello\n\n\tworld  ",
			want: "Hello world",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeSpeechText(tc.in)
			if got != tc.want {
				t.Fatalf("sanitizeSpeechText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Hello there. How are you?  Fine!", []string{"Hello there.", "How are you?", "Fine!"}},
		{"Pay 3.5 dollars now", []string{"Pay 3.5 dollars now"}},
		{"Wait...  what?", []string{"Wait...", "what?"}},
		{"Done.\nNext one", []string{"Done.", "Next one"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := SplitSentences(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitSentences(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestFirstCompleteSentence(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"Hello ", "", false},
		{"Hello there. ", "Hello there.", true},
		{"Hello there. How", "Hello there.", true},
		{"Really?", "Really?", true},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := FirstCompleteSentence(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("FirstCompleteSentence(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestFormatForVoiceKeepsTwoSentences(t *testing.T) {
	got := FormatForVoice("<p>A. B. C. D.</p>", DefaultLimits())
	if got != "A. B." {
		t.Fatalf("FormatForVoice() = %q, want %q", got, "A. B.")
	}
}

func TestFormatForVoiceTruncatesOnWordBoundary(t *testing.T) {
	in := strings.Repeat("word ", 80) + "end."
	if len(in) != 404 {
		t.Fatalf("fixture length = %d", len(in))
	}

	got := FormatForVoice(in, DefaultLimits())
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("FormatForVoice() = %q, want ellipsis suffix", got)
	}
	body := strings.TrimSuffix(got, "...")
	if len(body) > DefaultMaxChars {
		t.Fatalf("body length = %d, want <= %d", len(body), DefaultMaxChars)
	}
	if !strings.HasPrefix(in, body) {
		t.Fatalf("body %q is not a prefix of input", body)
	}
	if in[len(body)] != ' ' {
		t.Fatalf("cut inside a word at %d", len(body))
	}
}

func TestFormatForVoiceShortTextUnchanged(t *testing.T) {
	got := FormatForVoice("Your claim was approved.", Limits{MaxSentences: 2, MaxChars: 280})
	if got != "Your claim was approved." {
		t.Fatalf("FormatForVoice() = %q", got)
	}
	if FormatForVoice("   ", DefaultLimits()) != "" {
		t.Fatalf("blank input should format to empty")
	}
}

func TestRemainder(t *testing.T) {
	cases := []struct {
		formatted, spoken, want string
	}{
		{"Hello there. How are you?", "Hello there.", "How are you?"},
		{"Hello there.", "Hello there.", ""},
		{"Hello there. How are you?", "", "Hello there. How are you?"},
		{"Completely different.", "Hello there.", "Completely different."},
	}
	for _, tc := range cases {
		if got := Remainder(tc.formatted, tc.spoken); got != tc.want {
			t.Fatalf("Remainder(%q, %q) = %q, want %q", tc.formatted, tc.spoken, got, tc.want)
		}
	}
}
