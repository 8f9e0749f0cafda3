package heartflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
)

type judgeVerdict struct {
	Relevance   float64 `json:"relevance" jsonschema:"required,description=Content relevance 0-10"`
	Willingness float64 `json:"willingness" jsonschema:"required,description=Willingness to reply 0-10"`
	Social      float64 `json:"social" jsonschema:"required,description=Social appropriateness 0-10"`
	Timing      float64 `json:"timing" jsonschema:"required,description=Timing 0-10"`
	Continuity  float64 `json:"continuity" jsonschema:"required,description=Continuity with the agent's last reply 0-10"`
}

type judgeVerdictWithReasoning struct {
	judgeVerdict
	Reasoning string `json:"reasoning" jsonschema:"required,description=Why the agent should or should not reply"`
}

type personaSummary struct {
	SummarizedPersona string `json:"summarized_persona" jsonschema:"required,description=The condensed persona"`
}

// GenerateSchema reflects T into a strict JSON schema map suitable for
// structured output requests.
func GenerateSchema[T any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	raw, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	ensureStrict(out)
	return out, nil
}

// ensureStrict marks every object closed and every property required, which
// strict structured output demands.
func ensureStrict(schema map[string]any) {
	props, _ := schema["properties"].(map[string]any)
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if len(props) > 0 {
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			required := make([]any, len(names))
			for i, n := range names {
				required[i] = n
			}
			schema["required"] = required
		}
	}
	for _, p := range props {
		if m, ok := p.(map[string]any); ok {
			ensureStrict(m)
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		ensureStrict(items)
	}
}

func judgeFormat(includeReasoning bool) (*ResponseFormat, error) {
	var (
		schema map[string]any
		err    error
	)
	if includeReasoning {
		schema, err = GenerateSchema[judgeVerdictWithReasoning]()
	} else {
		schema, err = GenerateSchema[judgeVerdict]()
	}
	if err != nil {
		return nil, err
	}
	return &ResponseFormat{Name: "reply_judgment", Description: "Five dimension reply judgment", Schema: schema}, nil
}

func summaryFormat() (*ResponseFormat, error) {
	schema, err := GenerateSchema[personaSummary]()
	if err != nil {
		return nil, err
	}
	return &ResponseFormat{Name: "persona_summary", Description: "Condensed agent persona", Schema: schema}, nil
}
