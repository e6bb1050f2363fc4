package workflow

import (
	"encoding/json"
	"fmt"
)

// PayloadConverter serializes and deserializes the raw bytes a
// StepOutput persists. Adapted from pkg/core/converter.go's
// PayloadConverter (which converts api.Envelope payloads); here it
// converts bare interface{} values since StepOutput, unlike
// Envelope[T], carries its class identity out of band in Registry.
type PayloadConverter interface {
	Marshal(value interface{}) ([]byte, error)
	Unmarshal(data []byte, out interface{}) error
	ContentType() string
}

// JSONConverter is the default converter.
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter { return &JSONConverter{} }

func (c *JSONConverter) Marshal(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JSONConverter) Unmarshal(data []byte, out interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}
	return json.Unmarshal(data, out)
}

func (c *JSONConverter) ContentType() string { return "application/json" }

// CompactJSONConverter is byte-identical to JSONConverter's output
// today (encoding/json is compact by default) but kept as a distinct
// type, mirroring the teacher's CompactJSONConverter/JSONConverter
// split, so a future switch to a different encoder only touches one
// converter.
type CompactJSONConverter struct{ JSONConverter }

func NewCompactJSONConverter() *CompactJSONConverter { return &CompactJSONConverter{} }

// PrettyJSONConverter indents output, useful for CLI inspection of
// persisted state.
type PrettyJSONConverter struct{}

func NewPrettyJSONConverter() *PrettyJSONConverter { return &PrettyJSONConverter{} }

func (c *PrettyJSONConverter) Marshal(value interface{}) ([]byte, error) {
	return json.MarshalIndent(value, "", "  ")
}

func (c *PrettyJSONConverter) Unmarshal(data []byte, out interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}
	return json.Unmarshal(data, out)
}

func (c *PrettyJSONConverter) ContentType() string { return "application/json" }

// ConverterRegistry manages named converters, ported from
// pkg/core/converter.go's ConverterRegistry.
type ConverterRegistry struct {
	converters map[string]PayloadConverter
	def        PayloadConverter
}

func NewConverterRegistry() *ConverterRegistry {
	r := &ConverterRegistry{
		converters: make(map[string]PayloadConverter),
		def:        NewJSONConverter(),
	}
	r.Register("json", NewJSONConverter())
	r.Register("compact", NewCompactJSONConverter())
	r.Register("pretty", NewPrettyJSONConverter())
	return r
}

func (r *ConverterRegistry) Register(name string, converter PayloadConverter) {
	r.converters[name] = converter
}

func (r *ConverterRegistry) Get(name string) PayloadConverter {
	if c, ok := r.converters[name]; ok {
		return c
	}
	return r.def
}

func (r *ConverterRegistry) GetByContentType(contentType string) PayloadConverter {
	for _, c := range r.converters {
		if c.ContentType() == contentType {
			return c
		}
	}
	return r.def
}

func (r *ConverterRegistry) SetDefault(converter PayloadConverter) { r.def = converter }

func (r *ConverterRegistry) List() []string {
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	return names
}

// globalConverters mirrors ConverterRegistry's global-instance
// convenience wrappers in the teacher.
var globalConverters = NewConverterRegistry()

func GetConverter(name string) PayloadConverter { return globalConverters.Get(name) }
func RegisterConverter(name string, c PayloadConverter) { globalConverters.Register(name, c) }
func SetDefaultConverter(c PayloadConverter) { globalConverters.SetDefault(c) }
