package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/brunobiangulo/contractgraph/llm"
)

// Oracle proposes resolution pairs for one cluster of near-duplicate names.
type Oracle interface {
	Resolve(ctx context.Context, entityType string, names []string) ([]Pair, error)
}

const resolveSystemPrompt = `You are an expert in Entity Resolution.
Please identify entities that refer to the same real-world object but are expressed differently, and unify them to resolve entity consistency.

Please respond in the given <JSON_Response_Format>

<JSON_Response_Format>
{
  "resolved_entities": [
    {
      "original_name": Name of the entity that needs to be corrected
      "resolved_name": The name of the resolved entity
    }
  ]
}
</JSON_Response_Format>`

// LLMOracle asks a chat model which names in a cluster are the same entity.
type LLMOracle struct {
	provider llm.Provider
}

// NewLLMOracle returns an Oracle backed by provider.
func NewLLMOracle(provider llm.Provider) *LLMOracle {
	return &LLMOracle{provider: provider}
}

func (o *LLMOracle) Resolve(ctx context.Context, entityType string, names []string) ([]Pair, error) {
	user := fmt.Sprintf("<Entity_Type>\n%s\n</Entity_Type>\n\n<Entities>\n%s\n</Entities>",
		entityType, strings.Join(names, "\n"))

	resp, err := o.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: resolveSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("resolving %s cluster: %w", entityType, err)
	}
	return ParsePairs(resp.Content)
}

// ParsePairs reads {"resolved_entities": [{"original_name", "resolved_name"}]}
// from a model answer. Entries missing either string are dropped.
func ParsePairs(raw string) ([]Pair, error) {
	js, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	if !gjson.Valid(js) {
		return nil, fmt.Errorf("resolve: invalid JSON in oracle answer")
	}

	var pairs []Pair
	gjson.Get(js, "resolved_entities").ForEach(func(_, v gjson.Result) bool {
		orig, res := v.Get("original_name"), v.Get("resolved_name")
		if orig.Type == gjson.String && res.Type == gjson.String {
			pairs = append(pairs, Pair{Original: orig.Str, Resolved: res.Str})
		}
		return true
	})
	return pairs, nil
}
