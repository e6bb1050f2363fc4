package workflow

import "encoding/json"

// outputSnapshot is StepOutput's durable JSON form: class identity
// kept separate from the encoded value, per §6 ("StepOutput
// serialization MUST include the class identity separate from the
// encoded value").
type outputSnapshot struct {
	ClassName  string          `json:"className"`
	Serialized json.RawMessage `json:"serialized"`
}

func snapshotOf(o StepOutput) outputSnapshot {
	if !o.HasValue() {
		return outputSnapshot{}
	}
	return outputSnapshot{ClassName: o.className, Serialized: json.RawMessage(o.serialized)}
}

func (s outputSnapshot) toOutput(registry *TypeRegistry, converter PayloadConverter) StepOutput {
	if s.ClassName == "" {
		return StepOutput{}
	}
	return OfSerialized(s.ClassName, []byte(s.Serialized), registry, converter)
}

// contextSnapshot is WorkflowContext's durable JSON form. Repositories
// marshal/unmarshal this instead of WorkflowContext directly, since
// the live type caches decoded values and registry/converter
// references that must not be persisted.
type contextSnapshot struct {
	RunID         string                     `json:"runId"`
	TriggerData   outputSnapshot             `json:"triggerData"`
	Order         []string                   `json:"order"`
	Outputs       map[string]outputSnapshot  `json:"outputs"`
	RetryContexts map[string]*RetryContext   `json:"retryContexts"`
	ExecCounts    map[string]int             `json:"execCounts"`
}

// ToSnapshot produces the JSON-marshalable form of c.
func (c *WorkflowContext) ToSnapshot() contextSnapshot {
	outputs := make(map[string]outputSnapshot, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = snapshotOf(v)
	}
	return contextSnapshot{
		RunID:         c.RunID,
		TriggerData:   snapshotOf(c.TriggerData),
		Order:         append([]string(nil), c.order...),
		Outputs:       outputs,
		RetryContexts: c.retryContexts,
		ExecCounts:    c.execCounts,
	}
}

// FromSnapshot rebuilds a live WorkflowContext from its durable form.
// registry/converter are wired into every reconstructed StepOutput so
// later GetValue calls can deserialize lazily.
func FromSnapshot(s contextSnapshot, registry *TypeRegistry, converter PayloadConverter) *WorkflowContext {
	c := &WorkflowContext{
		RunID:         s.RunID,
		TriggerData:   s.TriggerData.toOutput(registry, converter),
		order:         append([]string(nil), s.Order...),
		outputs:       make(map[string]StepOutput, len(s.Outputs)),
		retryContexts: s.RetryContexts,
		execCounts:    s.ExecCounts,
	}
	if c.retryContexts == nil {
		c.retryContexts = make(map[string]*RetryContext)
	}
	if c.execCounts == nil {
		c.execCounts = make(map[string]int)
	}
	for k, v := range s.Outputs {
		c.outputs[k] = v.toOutput(registry, converter)
	}
	return c
}

// MarshalJSON lets a WorkflowContext (or anything embedding it, like
// WorkflowInstance) serialize directly with encoding/json.
func (c *WorkflowContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToSnapshot())
}

// UnmarshalJSON restores the snapshot shape; callers that need live
// StepOutput deserialization must call FromSnapshot with a registry
// afterward (UnmarshalJSON alone leaves className-only outputs with
// the package default registry/converter).
func (c *WorkflowContext) UnmarshalJSON(data []byte) error {
	rebuilt, err := DecodeContext(data, Global(), GetConverter("json"))
	if err != nil {
		return err
	}
	*c = *rebuilt
	return nil
}

// DecodeContext parses a WorkflowContext's durable JSON form against an
// explicit registry/converter pair, for callers (repositories) that
// keep their own rather than relying on the package globals.
func DecodeContext(data []byte, registry *TypeRegistry, converter PayloadConverter) (*WorkflowContext, error) {
	var s contextSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return FromSnapshot(s, registry, converter), nil
}
