package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		ready     string
		remainder string
	}{
		{
			name:      "short sentence held back",
			text:      "Hello world. How",
			ready:     "",
			remainder: "Hello world. How",
		},
		{
			name:      "long enough sentence is ready",
			text:      "The weather today is sunny and warm. Tomor",
			ready:     "The weather today is sunny and warm. ",
			remainder: "Tomor",
		},
		{
			name:      "several sentences batched together",
			text:      "Yes. It is. I think it might rain later! And",
			ready:     "Yes. It is. I think it might rain later! ",
			remainder: "And",
		},
		{
			name:      "newline is a boundary",
			text:      "first line without punctuation here\nsecond",
			ready:     "first line without punctuation here\n",
			remainder: "second",
		},
		{
			name:      "punctuation without whitespace is not a boundary",
			text:      "Version 1.2.3 of the package is available now",
			ready:     "",
			remainder: "Version 1.2.3 of the package is available now",
		},
		{
			name:      "trailing punctuation waits for whitespace",
			text:      "This is a complete sentence but not yet followed.",
			ready:     "",
			remainder: "This is a complete sentence but not yet followed.",
		},
		{
			name:      "question mark",
			text:      "Would you like me to turn the lights on? ",
			ready:     "Would you like me to turn the lights on? ",
			remainder: "",
		},
		{
			name:      "empty",
			text:      "",
			ready:     "",
			remainder: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, remainder := Check(tt.text, DefaultMinChars)
			assert.Equal(t, tt.ready, ready)
			assert.Equal(t, tt.remainder, remainder)
		})
	}
}

func TestCheckCountsRunes(t *testing.T) {
	// 15 two-byte runes plus ". " stays under the threshold in runes.
	text := strings.Repeat("é", 15) + ". x"
	ready, remainder := Check(text, DefaultMinChars)
	assert.Empty(t, ready)
	assert.Equal(t, text, remainder)
}

func TestCheckPreservesText(t *testing.T) {
	alphabet := []rune("ab .?!\n\té")
	rapid.Check(t, func(t *rapid.T) {
		runes := rapid.SliceOf(rapid.SampledFrom(alphabet)).Draw(t, "runes")
		minChars := rapid.IntRange(0, 40).Draw(t, "minChars")
		text := string(runes)

		ready, remainder := Check(text, minChars)
		if ready+remainder != text {
			t.Fatalf("ready %q + remainder %q != %q", ready, remainder, text)
		}
		if ready != "" && utf8.RuneCountInString(ready) <= minChars {
			t.Fatalf("ready %q not longer than %d", ready, minChars)
		}
		if ready != "" {
			last, _ := utf8.DecodeLastRuneInString(ready)
			if last != '\n' && last != ' ' && last != '\t' {
				t.Fatalf("ready %q does not end at a boundary", ready)
			}
		}
	})
}

func TestChunkerStreaming(t *testing.T) {
	c := New(0)
	var ready []string
	for _, delta := range []string{"Sure", ", the kitchen", " lights are now on", ". Anything", " else I can", " help with today?", " Just"} {
		if s := c.Append(delta); s != "" {
			ready = append(ready, s)
		}
	}
	assert.Equal(t, []string{
		"Sure, the kitchen lights are now on. ",
		"Anything else I can help with today? ",
	}, ready)
	assert.Equal(t, "Just", c.Buffered())
	assert.Equal(t, "Just", c.Flush())
	assert.Empty(t, c.Buffered())
	assert.Empty(t, c.Flush())
}

func TestChunkerPreservesText(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deltas := rapid.SliceOf(rapid.StringMatching(`[a-z .!?\n]{0,12}`)).Draw(t, "deltas")
		c := New(rapid.IntRange(1, 30).Draw(t, "minChars"))
		var out strings.Builder
		for _, d := range deltas {
			out.WriteString(c.Append(d))
		}
		out.WriteString(c.Flush())
		if out.String() != strings.Join(deltas, "") {
			t.Fatalf("got %q want %q", out.String(), strings.Join(deltas, ""))
		}
	})
}
