package llm

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("llm: no JSON object found in response")

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

const thinkClose = "</think>"

// ExtractJSON finds the JSON object in a model response. It drops any
// reasoning block closed by </think>, unwraps a markdown code fence and
// trims prose around the outermost braces. The result is not validated.
func ExtractJSON(raw string) (string, error) {
	if i := strings.LastIndex(raw, thinkClose); i >= 0 {
		raw = raw[i+len(thinkClose):]
	}
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return raw[start : end+1], nil
}
