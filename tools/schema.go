package tools

// Schema helpers for building JSON Schema definitions.

// Schema is a JSON Schema document.
type Schema = map[string]any

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties Schema, required ...string) Schema {
	schema := Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property with optional description.
func StringProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
	}
}

// IntegerProperty creates an integer property bounded to [lo, hi].
// A zero hi leaves the property unbounded above.
func IntegerProperty(description string, lo, hi int) Schema {
	p := Schema{
		"type":        "integer",
		"description": description,
		"minimum":     lo,
	}
	if hi > 0 {
		p["maximum"] = hi
	}
	return p
}

// WithThought adds a thought parameter to an existing schema.
// If requireThought is true, "thought" is added to the required array.
func WithThought(schema Schema, requireThought bool) Schema {
	result := make(Schema, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	props := Schema{}
	if existing, ok := result["properties"].(Schema); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["thought"] = StringProperty(
		"Your reasoning about why you're using this tool and what you expect to find or keep.",
	)
	result["properties"] = props

	if requireThought {
		required := append([]string(nil), RequiredOf(result)...)
		result["required"] = append(required, "thought")
	}

	return result
}

// BuildSchemaWithThought creates an ObjectSchema and adds thought support in one call.
func BuildSchemaWithThought(properties Schema, requireThought bool, required ...string) Schema {
	return WithThought(ObjectSchema(properties, required...), requireThought)
}

// PropertiesOf returns the properties of an object schema.
func PropertiesOf(schema Schema) Schema {
	props, _ := schema["properties"].(Schema)
	return props
}

// RequiredOf returns the required property names of an object schema.
func RequiredOf(schema Schema) []string {
	required, _ := schema["required"].([]string)
	return required
}
