package tools

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SchemaFor reflects the JSON schema of an argument struct. Fields without
// omitempty are required; descriptions come from jsonschema_description tags.
func SchemaFor[T any]() map[string]interface{} {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		panic(fmt.Sprintf("reflecting schema for %T: %v", *new(T), err))
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("decoding schema for %T: %v", *new(T), err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// defaulter is implemented by argument structs with optional fields.
type defaulter interface {
	applyDefaults()
}

// Bind decodes raw arguments into T, fills defaults and runs struct
// validation.
func Bind[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, fmt.Errorf("decoding arguments: %w", err)
		}
	}
	if d, ok := any(&args).(defaulter); ok {
		d.applyDefaults()
	}
	if err := validate.Struct(&args); err != nil {
		return args, fmt.Errorf("validating arguments: %w", err)
	}
	return args, nil
}
