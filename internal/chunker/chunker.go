// Package chunker decides when enough assistant text has accumulated to be
// worth a speech synthesis call.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinChars is the length a ready segment must exceed.
const DefaultMinChars = 30

// Check splits text after its last sentence boundary: '.', '?' or '!'
// followed by whitespace, or a newline. The part up to and including that
// boundary is returned as ready when it is longer than minChars runes;
// otherwise ready is empty and remainder is the whole input. ready+remainder
// always equals text.
func Check(text string, minChars int) (ready, remainder string) {
	end := lastBoundary(text)
	if end <= 0 {
		return "", text
	}
	if utf8.RuneCountInString(text[:end]) <= minChars {
		return "", text
	}
	return text[:end], text[end:]
}

// lastBoundary returns the byte offset just past the last sentence boundary,
// or -1.
func lastBoundary(text string) int {
	end := -1
	var prev rune
	for i, r := range text {
		switch {
		case r == '\n':
			end = i + 1
		case unicode.IsSpace(r) && (prev == '.' || prev == '?' || prev == '!'):
			end = i + utf8.RuneLen(r)
		}
		prev = r
	}
	return end
}

// Chunker accumulates streamed text for one session.
type Chunker struct {
	MinChars int
	buf      strings.Builder
}

// New returns a chunker using minChars, or DefaultMinChars when minChars <= 0.
func New(minChars int) *Chunker {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &Chunker{MinChars: minChars}
}

// Append adds s and returns the segment that is ready for synthesis, if any.
// The rest stays buffered for the next call.
func (c *Chunker) Append(s string) string {
	c.buf.WriteString(s)
	ready, rest := Check(c.buf.String(), c.MinChars)
	if ready == "" {
		return ""
	}
	c.buf.Reset()
	c.buf.WriteString(rest)
	return ready
}

// Flush returns everything buffered regardless of length and resets the chunker.
func (c *Chunker) Flush() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// Buffered returns the text held back so far.
func (c *Chunker) Buffered() string { return c.buf.String() }
