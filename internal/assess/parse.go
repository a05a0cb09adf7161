package assess

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"assessment-runner/internal/models"
)

const assessmentSchema = `{
  "type": "object",
  "required": ["completeness", "accuracy", "spag"],
  "properties": {
    "completeness": {"$ref": "#/$defs/criterion"},
    "accuracy": {"$ref": "#/$defs/criterion"},
    "spag": {"$ref": "#/$defs/criterion"}
  },
  "$defs": {
    "criterion": {
      "type": "object",
      "required": ["score", "reasoning"],
      "properties": {
        "score": {"type": "number", "minimum": 0, "maximum": 5},
        "reasoning": {"type": "string"}
      }
    }
  }
}`

var (
	schema   = jsonschema.MustCompileString("assessment.json", assessmentSchema)
	validate = validator.New()
)

// ErrNoChoices is returned for a completion without any message.
var ErrNoChoices = errors.New("assess: no choices in completion")

// Parse decodes a chat/completions response body into an assessment.
func Parse(body []byte) (*models.Assessment, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return ParseContent([]byte(stripFences(cc.Choices[0].Message.Content)))
}

// ParseContent validates and decodes the assessment JSON itself.
func ParseContent(content []byte) (*models.Assessment, error) {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode assessment: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("assessment does not match schema: %w", err)
	}
	var out models.Assessment
	if err := json.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("unmarshal assessment: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("invalid assessment: %w", err)
	}
	return &out, nil
}

// NotAttempted is the verdict for a submission identical to the blank template.
func NotAttempted() *models.Assessment {
	const reason = "Not attempted."
	return &models.Assessment{
		Completeness: models.CriterionScore{Reasoning: reason},
		Accuracy:     models.CriterionScore{Reasoning: reason},
		SPaG:         models.CriterionScore{Reasoning: reason},
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
