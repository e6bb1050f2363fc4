package workflow

import "reflect"

// StepOutput is a type-preserving, lazily-deserialized wrapper around
// the value a step produced. It carries both the serialized form (for
// durability across repository round-trips) and the class identity of
// the produced value, per §4.2. The invariant hasValue ⇔ (serialized
// ≠ nil ∧ className ≠ "") is enforced by Of/OfSerialized; a
// zero-valued StepOutput therefore always has no value.
type StepOutput struct {
	serialized []byte
	className  string
	cached     interface{}
	hasCached  bool
	registry   *TypeRegistry
	converter  PayloadConverter
}

// Of captures value's class identity (via registry) and serializes it
// immediately, caching the decoded form as value itself so a
// subsequent GetValue does not round-trip through the converter.
func Of(value interface{}, registry *TypeRegistry, converter PayloadConverter) (StepOutput, error) {
	if registry == nil {
		registry = Global()
	}
	if converter == nil {
		converter = GetConverter("json")
	}
	name, ok := registry.NameOfValue(value)
	if !ok {
		return StepOutput{}, NewEngineError(ErrTypeMismatch, "value's type is not registered in the TypeRegistry", nil)
	}
	data, err := converter.Marshal(value)
	if err != nil {
		return StepOutput{}, NewEngineError(ErrInfrastructureFailure, "failed to serialize step output", err)
	}
	return StepOutput{
		serialized: data,
		className:  name,
		cached:     value,
		hasCached:  true,
		registry:   registry,
		converter:  converter,
	}, nil
}

// OfSerialized reconstructs a StepOutput from its durable form
// (className + serialized bytes), as read back from a StateRepository.
// Deserialization is deferred until GetValue is called.
func OfSerialized(className string, serialized []byte, registry *TypeRegistry, converter PayloadConverter) StepOutput {
	if registry == nil {
		registry = Global()
	}
	if converter == nil {
		converter = GetConverter("json")
	}
	return StepOutput{serialized: serialized, className: className, registry: registry, converter: converter}
}

// HasValue reports whether this StepOutput carries a value at all
// (the zero StepOutput, used for "no output yet", does not).
func (o StepOutput) HasValue() bool { return o.className != "" && len(o.serialized) > 0 }

// ClassName is the captured class identity.
func (o StepOutput) ClassName() string { return o.className }

// Serialized returns the durable byte form, for repository writes.
func (o StepOutput) Serialized() []byte { return o.serialized }

// GetValue returns the cached decoded value, deserializing via the
// registered type and converter on first access. Fails with a
// Type-mismatch EngineError if the captured class cannot be resolved.
func (o *StepOutput) GetValue() (interface{}, error) {
	if o.hasCached {
		return o.cached, nil
	}
	if !o.HasValue() {
		return nil, nil
	}
	t, ok := o.registry.Resolve(o.className)
	if !ok {
		return nil, NewEngineError(ErrTypeMismatch, "cannot resolve captured class "+o.className, nil)
	}
	ptr := reflect.New(t)
	if err := o.converter.Unmarshal(o.serialized, ptr.Interface()); err != nil {
		return nil, NewEngineError(ErrInfrastructureFailure, "failed to deserialize step output", err)
	}
	o.cached = ptr.Elem().Interface()
	o.hasCached = true
	return o.cached, nil
}

// IsCompatibleWith reports whether a value declared as expectedType
// could be produced from this output's captured class, i.e. the
// declared expected type is assignable from the captured class.
func (o StepOutput) IsCompatibleWith(expectedType reflect.Type) bool {
	if !o.HasValue() {
		return false
	}
	t, ok := o.registry.Resolve(o.className)
	if !ok {
		return false
	}
	return IsAssignable(t, expectedType)
}
