package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
)

// Evidence is one supporting reference behind a decision
type Evidence struct {
	Source  string `json:"source"`
	Pointer string `json:"pointer"`
	Summary string `json:"summary"`
}

// Record is the terminal output of the decide_repeat stage. Immutable
// once recorded.
type Record struct {
	Decision   stage.DecisionKind `json:"decision"`
	Rationale  string             `json:"rationale"`
	Evidence   []Evidence         `json:"evidence"`
	Risks      []string           `json:"risks"`
	RecordedAt time.Time          `json:"recorded_at,omitempty"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decision", "rationale", "evidence", "risks"],
  "properties": {
    "decision": {
      "type": "string",
      "enum": ["restart-hypothesis", "iterate-design", "stop", "escalate-human"]
    },
    "rationale": {"type": "string", "minLength": 1},
    "evidence": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["source", "pointer", "summary"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "pointer": {"type": "string"},
          "summary": {"type": "string"}
        }
      }
    },
    "risks": {"type": "array", "items": {"type": "string"}},
    "recorded_at": {"type": "string"}
  }
}`

var schema = jsonschema.MustCompileString("decision.schema.json", schemaJSON)

// Parse validates raw JSON against the decision schema and decodes it.
// Schema violations are returned verbatim so operators see which field
// failed, not a bare "invalid decision".
func Parse(raw []byte) (*Record, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decision record is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("decision record rejected by schema: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode decision record: %w", err)
	}
	if !rec.Decision.IsValid() {
		return nil, fmt.Errorf("unknown decision kind %q", rec.Decision)
	}
	return &rec, nil
}

// Validate checks an in-memory record against the same rules Parse applies
func (r *Record) Validate() error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode decision record: %w", err)
	}
	_, err = Parse(raw)
	return err
}
