// Package submit validates a task submission payload against a declared JSON
// Schema before it ever reaches the Store, producing the CLI's exit-code-2
// validation-error path.
package submit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "description", "class", "priority"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "minLength": 1},
		"class": {"type": "string", "enum": ["lightweight", "medium_context", "heavy_context"]},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
		"working_dir": {"type": "string"},
		"dedup_key": {"type": "string"}
	},
	"additionalProperties": false
}`

var schema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submission.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Errorf("submit: compile schema resource: %w", err))
	}
	sch, err := c.Compile("submission.json")
	if err != nil {
		panic(fmt.Errorf("submit: compile schema: %w", err))
	}
	schema = sch
}

// Payload is the CLI submission surface's input shape.
type Payload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Class       string `json:"class"`
	Priority    string `json:"priority"`
	WorkingDir  string `json:"working_dir,omitempty"`
	DedupKey    string `json:"dedup_key,omitempty"`
}

// Validate checks p against the declared schema, returning a
// human-readable error describing every violation on failure.
func Validate(p Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal submission: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("submission invalid: %w", err)
	}
	return nil
}
