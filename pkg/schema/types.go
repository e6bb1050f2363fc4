package schema

// JSONSchema is a JSON Schema document, the shape the provider
// generates for a registered type (§4.7/§9). Adapted from
// pkg/api/types.go's JSONSchema/ParameterType.ToJSONSchema (a
// node-parameter schema struct). The reflection walk in provider.go
// fills only Type, Properties, Items and Required; it leaves the other
// fields empty.
type JSONSchema struct {
	Type        string                 `json:"type,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	Description string                 `json:"description,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
}
