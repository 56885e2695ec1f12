package chunker

import (
	"strings"
)

// Span is a half-open byte range [Start, End) into a document's text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Document is an immutable source text with optional intro and body
// sub-ranges. Concurrent builds may share one Document.
type Document struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Intro *Span  `json:"intro,omitempty"`
	Body  *Span  `json:"body,omitempty"`
}

// NewDocument returns a Document with its intro and body split at the
// recital marker.
func NewDocument(id, text string) Document {
	intro, body := SplitIntroBody(text)
	return Document{ID: id, Text: text, Intro: &intro, Body: &body}
}

// IntroText returns the text covered by the intro range, or "" when unset.
func (d Document) IntroText() string {
	return d.slice(d.Intro)
}

// BodyText returns the text covered by the body range, or the whole text
// when no body range is set.
func (d Document) BodyText() string {
	if d.Body == nil {
		return d.Text
	}
	return d.slice(d.Body)
}

func (d Document) slice(s *Span) string {
	if s == nil || s.Start < 0 || s.End > len(d.Text) || s.Start > s.End {
		return ""
	}
	return d.Text[s.Start:s.End]
}

// recitalMarker ends the preamble of most agreements ("...agree as follows:").
const recitalMarker = "follows:"

// SplitIntroBody splits a contract at the first case-insensitive occurrence
// of "follows:". The intro is everything before the marker and the body
// everything after it. Without a marker the intro is empty and the body is
// the whole text.
func SplitIntroBody(text string) (intro, body Span) {
	idx := indexFold(text, recitalMarker)
	if idx < 0 {
		return Span{}, Span{Start: 0, End: len(text)}
	}
	return Span{Start: 0, End: idx}, Span{Start: idx + len(recitalMarker), End: len(text)}
}

// indexFold is a byte-offset preserving case-insensitive search for an ASCII
// needle.
func indexFold(s, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], needle) {
			return i
		}
	}
	return -1
}
