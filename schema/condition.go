package schema

import (
	"errors"
	"fmt"
)

// ErrMissingContext indicates a condition was evaluated without one of its
// required context keys. This is a hard error, not "false": a missing key is
// a caller bug and the query must fail closed rather than silently deny (or
// grant) access.
var ErrMissingContext = errors.New("missing required condition context")

// Condition is a named boolean predicate over caller-supplied context
// parameters. The model-authoring front-end is expected to hand the engine
// validated, executable conditions; here they are plain Go functions
// registered by name.
type Condition struct {
	// Name identifies the condition within a Schema.
	Name ConditionName

	// RequiredKeys lists the context keys the predicate needs. Evaluation
	// fails with ErrMissingContext when any is absent.
	RequiredKeys []string

	// Eval is the predicate. It is only called with a context containing
	// every required key.
	Eval func(params map[string]any) (bool, error)
}

// Evaluate checks RequiredKeys against params and runs the predicate.
func (c *Condition) Evaluate(params map[string]any) (bool, error) {
	for _, key := range c.RequiredKeys {
		if _, ok := params[key]; !ok {
			return false, fmt.Errorf("condition %s: key %q: %w", c.Name, key, ErrMissingContext)
		}
	}
	ok, err := c.Eval(params)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", c.Name, err)
	}
	return ok, nil
}

// MergeContext overlays tuple-level condition context onto query-level
// context. Tuple parameters take precedence: they were bound when the tuple
// was written and the caller cannot override them.
func MergeContext(query, tuple map[string]any) map[string]any {
	if len(tuple) == 0 {
		return query
	}
	merged := make(map[string]any, len(query)+len(tuple))
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range tuple {
		merged[k] = v
	}
	return merged
}
