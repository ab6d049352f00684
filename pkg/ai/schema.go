package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const summarySchemaURL = "clover://call-summary.json"

const summarySchema = `{
  "type": "object",
  "required": ["summary", "keywords", "sentiment", "action_items", "confidence_score"],
  "properties": {
    "summary": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "sentiment": {"type": "string"},
    "action_items": {"type": "array", "items": {"type": "string"}},
    "confidence_score": {"type": "number"},
    "grade": {"type": "string"},
    "call_status": {"type": "string"}
  }
}`

// llmSummary is the shape the model is instructed to produce.
type llmSummary struct {
	Summary         string   `json:"summary"`
	Keywords        []string `json:"keywords"`
	Sentiment       string   `json:"sentiment"`
	ActionItems     []string `json:"action_items"`
	ConfidenceScore float64  `json:"confidence_score"`
	Grade           string   `json:"grade"`
	CallStatus      string   `json:"call_status"`
}

func compileSummarySchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(summarySchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(summarySchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(summarySchemaURL)
}

// parseSummary decodes the model output, falling back to the first complete object embedded in it, and validates it
// against the summary schema.
func parseSummary(schema *jsonschema.Schema, content string) (*llmSummary, error) {
	raw := strings.TrimSpace(content)
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		block := firstObject(raw)
		if block == "" {
			return nil, fmt.Errorf("no json object in llm response: %w", err)
		}
		raw = block
		if inst, err = jsonschema.UnmarshalJSON(strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("invalid json in llm response: %w", err)
		}
	}

	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("llm response does not match schema: %w", err)
	}

	var out llmSummary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// firstObject returns the first balanced JSON object in s. Braces in surrounding prose that do not
// open a valid object are skipped.
func firstObject(s string) string {
	for i := strings.IndexByte(s, '{'); i >= 0; {
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err == nil {
			return string(obj)
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ""
}
