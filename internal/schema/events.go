package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchemas declares the accepted payload for each workflow event type.
// Payloads are validated here, before they reach the session manager, so the
// controller only ever sees well-formed events.
var eventSchemas = map[string]map[string]interface{}{
	"setMode": {
		"type":     "object",
		"required": []string{"type", "mode"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "setMode"},
			"mode": map[string]interface{}{"enum": []string{"BY_REFERENCE", "BY_METER"}},
		},
	},
	"editReference": textEventSchema("editReference"),
	"lookupReference": {
		"type":     "object",
		"required": []string{"type"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "lookupReference"},
		},
	},
	"editMeter": textEventSchema("editMeter"),
	"lookupMeter": {
		"type":     "object",
		"required": []string{"type"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "lookupMeter"},
		},
	},
	"searchCandidates": {
		"type":     "object",
		"required": []string{"type"},
		"properties": map[string]interface{}{
			"type":   map[string]interface{}{"const": "searchCandidates"},
			"search": map[string]interface{}{"type": "string"},
		},
	},
	"setPage": {
		"type":     "object",
		"required": []string{"type", "page"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "setPage"},
			"page": map[string]interface{}{"type": "integer", "minimum": 1},
		},
	},
	"selectCandidate": {
		"type":     "object",
		"required": []string{"type", "candidateId"},
		"properties": map[string]interface{}{
			"type":        map[string]interface{}{"const": "selectCandidate"},
			"candidateId": map[string]interface{}{"type": "string", "minLength": 1},
		},
	},
	"editReason": textEventSchema("editReason"),
	"submit": {
		"type":     "object",
		"required": []string{"type"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "submit"},
		},
	},
	"reset": {
		"type":     "object",
		"required": []string{"type"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "reset"},
		},
	},
}

func textEventSchema(eventType string) map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []string{"type", "text"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": eventType},
			"text": map[string]interface{}{"type": "string"},
		},
	}
}

// Events validates workflow event payloads against their JSON Schemas.
// Compiled schemas are cached; compilation happens at most once per event
// type per cache lifetime.
type Events struct {
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

func NewEvents() *Events {
	c := js.NewCompiler()
	c.ExtractAnnotations = true
	return &Events{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](32, nil, time.Hour),
	}
}

// ValidateEvent checks a payload against the schema for its event type
func (e *Events) ValidateEvent(eventType string, payload map[string]interface{}) error {
	spec, ok := eventSchemas[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %q", eventType)
	}

	compiled, err := e.compile(eventType, spec)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numbers and nested values take the shapes
	// the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("invalid %s event: %w", eventType, err)
	}
	return nil
}

func (e *Events) compile(eventType string, spec map[string]interface{}) (*js.Schema, error) {
	if compiled, ok := e.cache.Get(eventType); ok {
		return compiled, nil
	}

	specBytes, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	resourceURL := fmt.Sprintf("mem://events/%s.json", eventType)
	if err := e.compiler.AddResource(resourceURL, bytes.NewReader(specBytes)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := e.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	e.cache.Add(eventType, compiled)
	return compiled, nil
}
