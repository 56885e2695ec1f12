package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutlineNested(t *testing.T) {
	raw := `{
		"ARTICLE I": {
			"1.1 Definitions": {"start_sentence": "As used herein", "end_sentence": "shall apply."},
			"1.2 Interpretation": {"start_sentence": "Headings are", "end_sentence": "for convenience.", "page": 3}
		},
		"ARTICLE II": {"start_sentence": "The Company shall", "end_sentence": "the Closing."}
	}`

	out := ParseOutline(raw)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "ARTICLE I", out.Entries[0].Name)
	assert.Equal(t, "ARTICLE II", out.Entries[1].Name)

	art, ok := out.Entries[0].Node.(Section)
	require.True(t, ok, "ARTICLE I should be a section, got %T", out.Entries[0].Node)
	require.Len(t, art.Entries, 2)
	assert.Equal(t, "1.1 Definitions", art.Entries[0].Name)
	assert.Equal(t, Leaf{StartSentence: "As used herein", EndSentence: "shall apply."}, art.Entries[0].Node)
	assert.Equal(t, Leaf{StartSentence: "Headings are", EndSentence: "for convenience."}, art.Entries[1].Node)

	assert.Equal(t, Leaf{StartSentence: "The Company shall", EndSentence: "the Closing."}, out.Entries[1].Node)
}

func TestParseOutlineStripsWrapping(t *testing.T) {
	raw := "<think>let me see {\"draft\": 1}</think>\nSure:\n```json\n{\"A\": {\"start_sentence\": \"x\", \"end_sentence\": \"y\"}}\n```"
	out := ParseOutline(raw)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "A", out.Entries[0].Name)
	assert.IsType(t, Leaf{}, out.Entries[0].Node)
}

func TestParseOutlineNonObjectRoot(t *testing.T) {
	for _, raw := range []string{"", "no outline today", `["a", "b"]`, `"just a string"`, `{"broken": `} {
		out := ParseOutline(raw)
		assert.Empty(t, out.Entries, "raw %q", raw)
	}
}

func TestParseOutlineMalformedNodes(t *testing.T) {
	raw := `{
		"list": [1, 2],
		"text": "hello",
		"num": 4,
		"nil": null,
		"half": {"start_sentence": "only a start"},
		"typed": {"start_sentence": 1, "end_sentence": "end"}
	}`
	out := ParseOutline(raw)
	require.Len(t, out.Entries, 6)

	for _, e := range out.Entries[:4] {
		assert.IsType(t, Malformed{}, e.Node, e.Name)
	}
	assert.Equal(t, Malformed{Reason: "expected object, got array"}, out.Entries[0].Node)

	// An object without both string bounds is a section of its keys.
	half, ok := out.Entries[4].Node.(Section)
	require.True(t, ok)
	require.Len(t, half.Entries, 1)
	assert.Equal(t, Malformed{Reason: "expected object, got string"}, half.Entries[0].Node)

	typed, ok := out.Entries[5].Node.(Section)
	require.True(t, ok)
	assert.Len(t, typed.Entries, 2)
}

func TestParseOutlineDuplicateKeys(t *testing.T) {
	raw := `{
		"A": {"start_sentence": "first", "end_sentence": "first"},
		"B": {"start_sentence": "b", "end_sentence": "b"},
		"A": {"start_sentence": "second", "end_sentence": "second"}
	}`
	out := ParseOutline(raw)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "A", out.Entries[0].Name)
	assert.Equal(t, Leaf{StartSentence: "second", EndSentence: "second"}, out.Entries[0].Node)
	assert.Equal(t, "B", out.Entries[1].Name)
}
