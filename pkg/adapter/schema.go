package adapter

import (
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

var schemaTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
}

// convertJSONSchemaToGenai translates the subset of JSON Schema that Gemini response
// schemas understand. Property order is fixed to the sorted key order so that the
// model sees the same schema on every call.
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	out := &genai.Schema{
		Description: schema.Description,
	}

	if schema.Type != "" {
		t, ok := schemaTypes[schema.Type]
		if !ok {
			return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
		}
		out.Type = t
	}

	for _, v := range schema.Enum {
		if s, ok := v.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(prop)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			out.Properties[name] = converted
			out.PropertyOrdering = append(out.PropertyOrdering, name)
		}
		sort.Strings(out.PropertyOrdering)
	}

	if len(schema.Required) > 0 {
		out.Required = append([]string(nil), schema.Required...)
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		out.Items = converted
	}

	return out, nil
}
