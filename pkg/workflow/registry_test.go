package workflow

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type widget struct {
	Name string
}

type gadget struct {
	Name string
}

func TestTypeRegistryRegisterAndResolve(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("Widget", widget{})

	resolved, ok := r.Resolve("Widget")
	assert.True(t, ok)
	assert.Equal(t, reflect.TypeOf(widget{}), resolved)

	name, ok := r.NameOfValue(widget{Name: "a"})
	assert.True(t, ok)
	assert.Equal(t, "Widget", name)

	_, ok = r.Resolve("Missing")
	assert.False(t, ok)
}

func TestTypeRegistryReRegisterOverwrites(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("Thing", widget{})
	r.Register("Thing", gadget{})

	resolved, ok := r.Resolve("Thing")
	assert.True(t, ok)
	assert.Equal(t, reflect.TypeOf(gadget{}), resolved)
}

func TestIsAssignableExactMatch(t *testing.T) {
	assert.True(t, IsAssignable(reflect.TypeOf(widget{}), reflect.TypeOf(widget{})))
	assert.False(t, IsAssignable(reflect.TypeOf(widget{}), reflect.TypeOf(gadget{})))
}

func TestIsAssignableInterfaceTarget(t *testing.T) {
	var anyType = reflect.TypeOf((*interface{})(nil)).Elem()
	assert.True(t, IsAssignable(reflect.TypeOf(widget{}), anyType))
	assert.True(t, IsAssignable(reflect.TypeOf(42), anyType))
}

func TestIsAssignableNilTypes(t *testing.T) {
	assert.False(t, IsAssignable(nil, reflect.TypeOf(widget{})))
	assert.False(t, IsAssignable(reflect.TypeOf(widget{}), nil))
}
