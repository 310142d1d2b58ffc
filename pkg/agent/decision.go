package agent

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// Decision is the structured response of the model at every AWAITING_MODEL step
type Decision struct {
	IsNeedMoreContext bool   `json:"is_need_more_context"`
	FindContext       string `json:"find_context"`
	Answer            string `json:"answer"`
}

// decisionSchema must be treated as read-only; it is shared by every turn.
var decisionSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"is_need_more_context": {
			Type:        "boolean",
			Description: "true if the answer needs information from the user's uploaded documents",
		},
		"find_context": {
			Type:        "string",
			Description: "search query for the document database, empty if no search is needed",
		},
		"answer": {
			Type:        "string",
			Description: "answer to the user",
		},
	},
	Required: []string{"is_need_more_context", "find_context", "answer"},
}

var resolvedDecisionSchema = mustResolve(decisionSchema)

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic(err)
	}
	return resolved
}

// DecisionSchema returns the schema requested from the model
func DecisionSchema() *jsonschema.Schema {
	return decisionSchema
}

// ParseDecision decodes a model payload. Any field that is missing or has the wrong type is
// ErrModelResponseMalformed; nothing falls back to a zero value.
func ParseDecision(raw []byte) (*Decision, error) {
	body := stripCodeFence(raw)

	var instance map[string]any
	if err := json.Unmarshal(body, &instance); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrModelResponseMalformed, err),
			"model response is not a JSON object", goerr.V("response", string(raw)))
	}
	if err := resolvedDecisionSchema.Validate(instance); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrModelResponseMalformed, err),
			"model response does not match decision schema", goerr.V("response", string(raw)))
	}

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrModelResponseMalformed, err),
			"failed to decode decision", goerr.V("response", string(raw)))
	}
	return &d, nil
}

// stripCodeFence removes a markdown code fence some models put around JSON output
func stripCodeFence(raw []byte) []byte {
	body := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}

	if idx := bytes.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	} else {
		return body
	}
	body = bytes.TrimSpace(body)
	body = bytes.TrimSuffix(body, []byte("```"))
	return bytes.TrimSpace(body)
}
