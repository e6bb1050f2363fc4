package schema

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type address struct {
	City    string `json:"city"`
	ZipCode string `json:"zip_code,omitempty"`
}

type customer struct {
	Name      string   `json:"name"`
	Age       int      `json:"age,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Address   address  `json:"address"`
	Billing   *address `json:"billing,omitempty"`
	Metadata  map[string]interface{}
	ignoredUnexported string
	Skipped   string `json:"-"`
}

func TestGenerateSchemaStructFieldWalk(t *testing.T) {
	p := NewReflectProvider()
	s := p.GenerateSchema(reflect.TypeOf(customer{}))

	require.Equal(t, "object", s.Type)
	require.Contains(t, s.Properties, "name")
	require.Contains(t, s.Properties, "age")
	require.Contains(t, s.Properties, "tags")
	require.Contains(t, s.Properties, "address")
	require.Contains(t, s.Properties, "billing")
	require.Contains(t, s.Properties, "Metadata")
	assert.NotContains(t, s.Properties, "ignoredUnexported")
	assert.NotContains(t, s.Properties, "Skipped")

	assert.Equal(t, "string", s.Properties["name"].Type)
	assert.Equal(t, "integer", s.Properties["age"].Type)
	assert.Equal(t, "array", s.Properties["tags"].Type)
	assert.Equal(t, "string", s.Properties["tags"].Items.Type)
	assert.Equal(t, "object", s.Properties["Metadata"].Type)
}

func TestGenerateSchemaRequiredOmitsOmitemptyAndPointers(t *testing.T) {
	p := NewReflectProvider()
	s := p.GenerateSchema(reflect.TypeOf(customer{}))

	assert.Contains(t, s.Required, "name")
	assert.Contains(t, s.Required, "address")
	assert.NotContains(t, s.Required, "age")
	assert.NotContains(t, s.Required, "tags")
	assert.NotContains(t, s.Required, "billing", "pointer fields are never required regardless of omitempty")
}

func TestGenerateSchemaNestedStruct(t *testing.T) {
	p := NewReflectProvider()
	s := p.GenerateSchema(reflect.TypeOf(customer{}))

	nested := s.Properties["address"]
	require.Equal(t, "object", nested.Type)
	require.Contains(t, nested.Properties, "city")
	require.Contains(t, nested.Properties, "zip_code")
	assert.Contains(t, nested.Required, "city")
	assert.NotContains(t, nested.Required, "zip_code")
}

func TestGenerateSchemaDereferencesPointerToStruct(t *testing.T) {
	p := NewReflectProvider()
	s := p.GenerateSchema(reflect.TypeOf(&customer{}))
	assert.Equal(t, "object", s.Type)
	assert.Contains(t, s.Properties, "name")
}

func TestGenerateSchemaScalarKinds(t *testing.T) {
	p := NewReflectProvider()

	assert.Equal(t, "string", p.GenerateSchema(reflect.TypeOf("")).Type)
	assert.Equal(t, "boolean", p.GenerateSchema(reflect.TypeOf(true)).Type)
	assert.Equal(t, "integer", p.GenerateSchema(reflect.TypeOf(int64(0))).Type)
	assert.Equal(t, "number", p.GenerateSchema(reflect.TypeOf(float64(0))).Type)
	assert.Equal(t, "object", p.GenerateSchema(reflect.TypeOf(map[string]int{})).Type)
}

func TestGenerateSchemaSliceOfStructs(t *testing.T) {
	p := NewReflectProvider()
	s := p.GenerateSchema(reflect.TypeOf([]address{}))
	require.Equal(t, "array", s.Type)
	require.Equal(t, "object", s.Items.Type)
	assert.Contains(t, s.Items.Properties, "city")
}

func TestGetSchemaIDCachesByClassName(t *testing.T) {
	p := NewReflectProvider()

	first := p.GetSchemaID("customer", reflect.TypeOf(customer{}))
	second := p.GetSchemaID("customer", reflect.TypeOf(struct{ Unrelated bool }{}))

	assert.Same(t, first, second, "a cached class name must short-circuit reflection on a different type")
}

func TestGetSchemaIDDistinctClassNamesDoNotShareCache(t *testing.T) {
	p := NewReflectProvider()

	custSchema := p.GetSchemaID("customer", reflect.TypeOf(customer{}))
	addrSchema := p.GetSchemaID("address", reflect.TypeOf(address{}))

	assert.NotSame(t, custSchema, addrSchema)
	assert.Contains(t, custSchema.Properties, "name")
	assert.Contains(t, addrSchema.Properties, "city")
}
