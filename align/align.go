// Package align recovers exact byte ranges in a document for sentences that
// were quoted by an LLM. The quotes are untrusted: they may differ from the
// source by case, whitespace, OCR noise or light paraphrase, so the aligner
// always returns its best window together with a confidence score and leaves
// any acceptance threshold to the caller.
package align

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// Match is the best window found for a single target sentence.
// Start and End are half-open byte offsets into the searched text.
type Match struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Range is the byte range bounded by a located start sentence and a located
// end sentence, with the confidence of each end.
type Range struct {
	Start           int     `json:"start"`
	End             int     `json:"end"`
	StartConfidence float64 `json:"start_confidence"`
	EndConfidence   float64 `json:"end_confidence"`
}

// Confidence returns the weaker of the two end confidences.
func (r Range) Confidence() float64 {
	if r.StartConfidence < r.EndConfidence {
		return r.StartConfidence
	}
	return r.EndConfidence
}

// token is a maximal run of non-whitespace runes.
type token struct {
	start, end int
}

// tokenize splits text on Unicode whitespace, keeping the byte bounds of
// every word.
func tokenize(text string) []token {
	var toks []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				toks = append(toks, token{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, token{start: start, end: len(text)})
	}
	return toks
}

// elements lowercases s and splits it into one sequence element per rune,
// the unit the matcher compares.
func elements(s string) []string {
	s = strings.ToLower(s)
	out := make([]string, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Locate slides a window of exactly as many words as target has across text
// and returns the window whose lowercased text has the highest
// Ratcliff/Obershelp ratio against the lowercased target. Ties keep the
// earliest window. An empty target or a text without words yields the zero
// Match. When target has more words than text, the whole text is the only
// window.
func Locate(text, target string) Match {
	words := len(strings.Fields(target))
	toks := tokenize(text)
	if words == 0 || len(toks) == 0 {
		return Match{}
	}
	if words > len(toks) {
		words = len(toks)
	}

	m := difflib.NewMatcher(elements(target), nil)
	best := Match{Confidence: -1}
	for i := 0; i+words <= len(toks); i++ {
		ws, we := toks[i].start, toks[i+words-1].end
		m.SetSeq2(elements(text[ws:we]))

		// Both quick ratios are upper bounds of Ratio, so a window that
		// cannot beat the current best is skipped without the full match.
		if m.RealQuickRatio() <= best.Confidence || m.QuickRatio() <= best.Confidence {
			continue
		}
		if r := m.Ratio(); r > best.Confidence {
			best = Match{Start: ws, End: we, Confidence: r}
		}
	}
	return best
}

// LocateRange locates both sentences independently and returns the range
// from the start of the start match to the end of the end match. The bounds
// are swapped when the end precedes the start and clamped to the text.
func LocateRange(text, startSentence, endSentence string) Range {
	s := Locate(text, startSentence)
	e := Locate(text, endSentence)

	start, end := s.Start, e.End
	if end < start {
		start, end = end, start
	}
	return Range{
		Start:           clamp(start, 0, len(text)),
		End:             clamp(end, 0, len(text)),
		StartConfidence: s.Confidence,
		EndConfidence:   e.Confidence,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
