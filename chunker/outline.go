package chunker

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/brunobiangulo/contractgraph/llm"
)

// Outline is a node of an LLM-proposed table of contents. It is one of
// Leaf, Section or Malformed.
type Outline interface {
	isOutline()
}

// Leaf names the first and last sentence of a section. Both are quotes
// claimed to be verbatim from the document.
type Leaf struct {
	StartSentence string `json:"start_sentence"`
	EndSentence   string `json:"end_sentence"`
}

// Section is an internal node. Entry order is the key order of the source
// object.
type Section struct {
	Entries []Entry
}

// Entry is a named child of a Section.
type Entry struct {
	Name string
	Node Outline
}

// Malformed is any node that is neither a leaf nor an object.
type Malformed struct {
	Reason string
}

func (Leaf) isOutline()      {}
func (Section) isOutline()   {}
func (Malformed) isOutline() {}

const (
	keyStartSentence = "start_sentence"
	keyEndSentence   = "end_sentence"
)

// ParseOutline turns raw LLM output into an Outline rooted at a Section.
// Reasoning preambles and markdown fences are stripped first. Output that
// holds no JSON object yields an empty Section; ParseOutline never fails.
func ParseOutline(raw string) Section {
	js, err := llm.ExtractJSON(raw)
	if err != nil || !gjson.Valid(js) {
		return Section{}
	}
	root := gjson.Parse(js)
	if !root.IsObject() {
		return Section{}
	}
	return parseSection(objectEntries(root))
}

// parseNode classifies one JSON value.
func parseNode(v gjson.Result) Outline {
	if !v.IsObject() {
		return Malformed{Reason: "expected object, got " + kindOf(v)}
	}
	fields := objectEntries(v)

	start, okStart := stringField(fields, keyStartSentence)
	end, okEnd := stringField(fields, keyEndSentence)
	if okStart && okEnd {
		return Leaf{StartSentence: start, EndSentence: end}
	}
	return parseSection(fields)
}

func parseSection(fields []field) Section {
	sec := Section{Entries: make([]Entry, 0, len(fields))}
	for _, f := range fields {
		sec.Entries = append(sec.Entries, Entry{Name: f.key, Node: parseNode(f.value)})
	}
	return sec
}

type field struct {
	key   string
	value gjson.Result
}

// objectEntries lists an object's members in source order. A repeated key
// keeps its first position and takes its last value.
func objectEntries(obj gjson.Result) []field {
	var fields []field
	pos := make(map[string]int)
	obj.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if i, ok := pos[key]; ok {
			fields[i].value = v
			return true
		}
		pos[key] = len(fields)
		fields = append(fields, field{key: key, value: v})
		return true
	})
	return fields
}

func stringField(fields []field, key string) (string, bool) {
	for _, f := range fields {
		if f.key == key {
			if f.value.Type != gjson.String {
				return "", false
			}
			return f.value.Str, true
		}
	}
	return "", false
}

func kindOf(v gjson.Result) string {
	switch {
	case v.IsArray():
		return "array"
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True, v.Type == gjson.False:
		return "bool"
	case v.Type == gjson.Null:
		return "null"
	default:
		return fmt.Sprintf("type %d", v.Type)
	}
}
