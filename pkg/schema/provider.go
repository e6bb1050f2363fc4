// Package schema generates JSON Schema documents for Go types used as
// a Suspend's declared resumption type (§9: "a collaborator with a
// generateSchema(type)/getSchemaId(type) contract; a reference
// implementation caches by class identity"). Grounded on
// pkg/api/types.go's JSONSchema struct and ParameterType.ToJSONSchema,
// generalized from node-parameter schemas to arbitrary registered
// struct types via reflection.
package schema

import (
	"reflect"
	"strings"
	"sync"
)

// Provider generates and caches JSON Schema documents for registered
// types, keyed by the same class-identity strings the TypeRegistry
// hands out.
type Provider interface {
	GenerateSchema(t reflect.Type) *JSONSchema
	GetSchemaID(className string, t reflect.Type) *JSONSchema
}

// ReflectProvider is the reference implementation: it derives a
// JSONSchema from a struct's exported fields and caches the result by
// class identity, so repeated Suspend outcomes on the same type don't
// re-walk the reflect.Type.
type ReflectProvider struct {
	mu    sync.RWMutex
	cache map[string]*JSONSchema
}

// NewReflectProvider returns an empty, ready-to-use ReflectProvider.
func NewReflectProvider() *ReflectProvider {
	return &ReflectProvider{cache: make(map[string]*JSONSchema)}
}

// GetSchemaID returns the cached schema for className, generating (and
// caching) one from t on first request.
func (p *ReflectProvider) GetSchemaID(className string, t reflect.Type) *JSONSchema {
	p.mu.RLock()
	s, ok := p.cache[className]
	p.mu.RUnlock()
	if ok {
		return s
	}

	s = p.GenerateSchema(t)
	p.mu.Lock()
	p.cache[className] = s
	p.mu.Unlock()
	return s
}

// GenerateSchema reflects over t (dereferencing pointers) and builds a
// JSONSchema describing its exported fields. Unexported fields and
// struct tags beyond "json" are not consulted; this mirrors the
// teacher's parameter schemas, which are hand-authored rather than tag
// driven, so a bare struct-field walk is the closest idiomatic
// approximation for types that were never meant to carry schema tags.
func (p *ReflectProvider) GenerateSchema(t reflect.Type) *JSONSchema {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return &JSONSchema{Type: "object"}
	}

	switch t.Kind() {
	case reflect.Struct:
		return p.structSchema(t)
	case reflect.Slice, reflect.Array:
		return &JSONSchema{Type: "array", Items: p.GenerateSchema(t.Elem())}
	case reflect.Map:
		return &JSONSchema{Type: "object"}
	case reflect.String:
		return &JSONSchema{Type: "string"}
	case reflect.Bool:
		return &JSONSchema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &JSONSchema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &JSONSchema{Type: "number"}
	default:
		return &JSONSchema{Type: "string"}
	}
}

func (p *ReflectProvider) structSchema(t reflect.Type) *JSONSchema {
	props := make(map[string]*JSONSchema, t.NumField())
	var required []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name, omitempty := jsonFieldName(f)
		if name == "-" {
			continue
		}
		props[name] = p.GenerateSchema(f.Type)
		if !omitempty && f.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	return &JSONSchema{Type: "object", Properties: props, Required: required}
}

func jsonFieldName(f reflect.StructField) (name string, omitempty bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	name = f.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
			break
		}
	}
	return name, omitempty
}
