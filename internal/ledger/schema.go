package ledger

import "fmt"

// validateSchema performs minimal JSON-Schema-style validation: "type" and
// "required" on an object schema, "type" on each named property. No
// validator library appears anywhere in the retrieved dependency surface
// (the one JSON-Schema-adjacent package found generates schemas from Go
// structs, it does not check instances against one), so this is built
// directly on the decoded map data already in hand rather than reaching for
// a full draft-07 implementation the corpus gives no grounding for.
func validateSchema(schema map[string]interface{}, data interface{}) error {
	if schema == nil {
		return nil
	}

	if t, ok := schema["type"].(string); ok {
		if err := checkType(t, data, ""); err != nil {
			return err
		}
	}

	obj, isObject := data.(map[string]interface{})

	if required, ok := schema["required"].([]interface{}); ok {
		if !isObject {
			return fmt.Errorf("data must be an object to satisfy \"required\"")
		}
		for _, r := range required {
			field, _ := r.(string)
			if _, present := obj[field]; !present {
				return fmt.Errorf("missing required field %q", field)
			}
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok && isObject {
		for field, rawPropSchema := range props {
			val, present := obj[field]
			if !present {
				continue
			}
			propSchema, _ := rawPropSchema.(map[string]interface{})
			if t, ok := propSchema["type"].(string); ok {
				if err := checkType(t, val, field); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func checkType(want string, val interface{}, field string) error {
	ok := false
	switch want {
	case "object":
		_, ok = val.(map[string]interface{})
	case "array":
		_, ok = val.([]interface{})
	case "string":
		_, ok = val.(string)
	case "number":
		_, ok = val.(float64)
	case "boolean":
		_, ok = val.(bool)
	case "null":
		ok = val == nil
	default:
		return fmt.Errorf("unsupported schema type %q", want)
	}
	if !ok {
		if field != "" {
			return fmt.Errorf("field %q must be of type %q", field, want)
		}
		return fmt.Errorf("value must be of type %q", want)
	}
	return nil
}
