package agents

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidParams is returned when params fail an agent's schema.
var ErrInvalidParams = errors.New("invalid params")

func compileParamsSchema(agent string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(agent+".params.schema.json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile params schema for %s: %w", agent, err)
	}
	return compiled, nil
}

func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	// Normalise Go values (ints, structs) into the JSON model the validator
	// expects.
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
