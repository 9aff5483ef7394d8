package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/llm"
)

// Verdict is the second model's judgement of a draft answer.
type Verdict struct {
	Approved      bool     `json:"approved"`
	Agreement     float64  `json:"agreement"`
	CorrectedText string   `json:"corrected_text"`
	Issues        []string `json:"issues"`
}

// Validator cross-checks a draft answer.  It is best-effort compliance
// assistance, not a proof of correctness.
type Validator interface {
	Validate(ctx context.Context, draft string, vctx ValidationContext) (Verdict, error)
}

const verdictSchema = `{
  "type": "object",
  "required": ["approved", "agreement"],
  "properties": {
    "approved": {"type": "boolean"},
    "agreement": {"type": "number", "minimum": 0, "maximum": 1},
    "corrected_text": {"type": "string"},
    "issues": {"type": "array", "items": {"type": "string"}}
  }
}`

const validatorPrompt = "You review answers written by a health and wellbeing assistant for patients. " +
	"Check the draft for medical inaccuracy, unsafe advice, diagnosis or dosing instructions, and claims about app features. " +
	"Placeholders such as <NAME_1> stand for the patient's own data; keep them unchanged. " +
	"Reply with a single JSON object only: {\"approved\": bool, \"agreement\": number between 0 and 1, " +
	"\"corrected_text\": string (a safe replacement answer, empty if approved), \"issues\": [string]}."

// LLMValidator asks an independent model for a JSON verdict and checks the
// verdict against a schema before trusting it.
type LLMValidator struct {
	client  llm.Client
	schema  *gojsonschema.Schema
	timeout time.Duration
}

func NewLLMValidator(client llm.Client, timeout time.Duration) (*LLMValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verdictSchema))
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LLMValidator{client: client, schema: schema, timeout: timeout}, nil
}

func (v *LLMValidator) Validate(ctx context.Context, draft string, vctx ValidationContext) (Verdict, error) {
	const op = "finalize.Validate"
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	user := "Draft answer:\n" + draft
	if vctx.Topic != "" {
		user = "Topic: " + vctx.Topic + "\n" + user
	}
	raw, err := v.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: validatorPrompt},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return Verdict{}, apperr.New(apperr.KindValidationProvider, op, err)
	}
	verdict, err := v.parse(raw)
	if err != nil {
		return Verdict{}, apperr.New(apperr.KindValidationProvider, op, err)
	}
	return verdict, nil
}

var errNoJSON = errors.New("validator reply has no JSON object")

func (v *LLMValidator) parse(raw string) (Verdict, error) {
	body := extractJSON(raw)
	if body == "" {
		return Verdict{}, errNoJSON
	}
	result, err := v.schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("verdict is not JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Verdict{}, fmt.Errorf("verdict does not match schema: %s", strings.Join(msgs, "; "))
	}
	var out Verdict
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return Verdict{}, err
	}
	out.CorrectedText = strings.TrimSpace(out.CorrectedText)
	return out, nil
}

// extractJSON returns the outermost {...} in s, tolerating code fences and
// chatter around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
