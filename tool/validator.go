package tool

import (
	"fmt"
	"math"
)

// validateArgs checks args against a schema: every required key present,
// no unexpected keys, each typed field matching its declared scalar type.
func validateArgs(schema Schema, args map[string]any) error {
	if schema.Type != "object" {
		return fmt.Errorf("%w: schema type must be 'object'", ErrInvalidSchema)
	}

	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: missing required arg %q", ErrInvalidArgument, required)
		}
	}

	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok {
			return fmt.Errorf("%w: unexpected arg %q", ErrInvalidArgument, key)
		}
		if err := validateType(key, prop.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func validateType(name, expected string, value any) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: arg %q must be string, got %T", ErrInvalidArgument, name, value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			// JSON numbers decode as float64; whole values count as integers.
			if v != math.Trunc(v) {
				return fmt.Errorf("%w: arg %q must be integer, got %v", ErrInvalidArgument, name, v)
			}
		default:
			return fmt.Errorf("%w: arg %q must be integer, got %T", ErrInvalidArgument, name, value)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("%w: arg %q must be number, got %T", ErrInvalidArgument, name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: arg %q must be boolean, got %T", ErrInvalidArgument, name, value)
		}
	case "":
		// Untyped property: any value passes.
	default:
		return fmt.Errorf("%w: property %q has unsupported type %q", ErrInvalidSchema, name, expected)
	}
	return nil
}
