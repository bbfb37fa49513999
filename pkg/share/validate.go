package share

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

type fieldRule struct {
	field    string
	required bool
	expect   string
	schema   *gojsonschema.Schema
}

// Checked in this order, first failure wins.
var fieldRules = []fieldRule{
	newFieldRule("version", true, "a number", `{"type": "number"}`),
	newFieldRule("overrides", false, "an object", `{"type": "object"}`),
	newFieldRule("contexts", false, "an array", `{"type": "array"}`),
	newFieldRule("activeContext", false, "an object", `{"type": ["object", "null"]}`),
	newFieldRule("settings", false, "an object", `{"type": "object"}`),
	newFieldRule("starredFlags", false, "an array", `{"type": "array"}`),
}

func newFieldRule(field string, required bool, expect string, schema string) fieldRule {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("share: invalid schema for %s: %v", field, err))
	}
	return fieldRule{field: field, required: required, expect: expect, schema: compiled}
}

// validate checks the shape of a decoded payload.
func validate(doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("Invalid state: expected an object")
	}
	for _, rule := range fieldRules {
		value, present := obj[rule.field]
		if !present {
			if rule.required {
				return fmt.Errorf("Invalid state: %s is required", rule.field)
			}
			continue
		}
		result, err := rule.schema.Validate(gojsonschema.NewGoLoader(value))
		if err != nil {
			return fmt.Errorf("Invalid state: %s: %w", rule.field, err)
		}
		if !result.Valid() {
			return fmt.Errorf("Invalid state: %s must be %s", rule.field, rule.expect)
		}
	}
	return nil
}
