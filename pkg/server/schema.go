package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
)

// SchemaFor reflects the JSON Schema of T, inlined without $defs, for use
// as a Capability InputSchema.
func SchemaFor[T any]() (json.RawMessage, error) {
	var zero T
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(zero)
	s.Version = ""
	s.ID = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %T: %w", zero, err)
	}
	return raw, nil
}

// NewTool builds a tool whose arguments decode into A. The schema is
// reflected from A and unknown argument fields are rejected.
func NewTool[A any](name, description string, fn func(ctx context.Context, req *Request, args A) (interface{}, error)) (Capability, error) {
	schema, err := SchemaFor[A]()
	if err != nil {
		return Capability{}, err
	}

	return Capability{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Handler: func(ctx context.Context, req *Request) (interface{}, error) {
			var args A
			if len(req.Arguments) > 0 {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return nil, mcperrors.InvalidParams(fmt.Sprintf("invalid arguments for %s: %v", name, err))
				}
			}
			return fn(ctx, req, args)
		},
	}, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// validateArguments checks args against a compiled schema. Absent arguments
// are validated as an empty object.
func validateArguments(schema *jsonschema.Resolved, args json.RawMessage) error {
	if schema == nil {
		return nil
	}

	var instance interface{} = map[string]interface{}{}
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return mcperrors.InvalidParams("arguments are not valid JSON")
		}
	}
	if err := schema.Validate(instance); err != nil {
		return mcperrors.InvalidParams(err.Error())
	}
	return nil
}
