package workflow

import (
	"reflect"
	"sync"
)

// TypeRegistry resolves between a stable type name (the "class
// identity" StepOutput and SchemaProvider need for durability and
// assignability checks) and the reflect.Type it names. Go has no
// runtime class registry the way a reflective source language does,
// so callers must register the concrete types their graphs use.
//
// Grounded on pkg/api/mel.go's melImpl: a mutex-guarded slice/map
// registry plus a package-level global instance for convenience,
// reused here for type identities instead of node definitions.
type TypeRegistry struct {
	mu        sync.RWMutex
	byName    map[string]reflect.Type
	nameOf    map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		nameOf: make(map[reflect.Type]string),
	}
}

// Register associates name with the type of zero, the prototype
// value used purely to capture a reflect.Type. Re-registering the
// same name with a different type overwrites the mapping.
func (r *TypeRegistry) Register(name string, zero interface{}) {
	t := reflect.TypeOf(zero)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = t
	r.nameOf[t] = name
}

// RegisterType is the reflect.Type-based counterpart to Register, for
// callers that already have a Type in hand (e.g. graph build time).
func (r *TypeRegistry) RegisterType(name string, t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = t
	r.nameOf[t] = name
}

// Resolve looks up the reflect.Type registered under name.
func (r *TypeRegistry) Resolve(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// NameOf returns the registered name for t, if any.
func (r *TypeRegistry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nameOf[t]
	return n, ok
}

// NameOfValue is a convenience wrapper around NameOf for a value
// rather than a reflect.Type.
func (r *TypeRegistry) NameOfValue(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	return r.NameOf(reflect.TypeOf(v))
}

// IsAssignable reports whether a value of type "from" may be used
// where "to" is declared, per StepOutput.isCompatibleWith / the
// router's type-matching rules: exact match, or "to" is an interface
// implemented by "from", or "from" is directly assignable to "to".
func IsAssignable(from, to reflect.Type) bool {
	if from == nil || to == nil {
		return false
	}
	if from == to {
		return true
	}
	return from.AssignableTo(to)
}

// globalRegistry mirrors the teacher's "global instance for backward
// compatibility" convenience-function pattern (pkg/api/mel.go).
var globalRegistry = NewTypeRegistry()

// Global returns the process-wide TypeRegistry. Most callers should
// prefer an explicitly injected *TypeRegistry; Global exists for
// simple programs (the demo CLI) that don't need per-engine registries.
func Global() *TypeRegistry { return globalRegistry }
