package workflow

import (
	"errors"
	"fmt"
)

// MissingNodeError reports a node the template requires but the graph lacks
type MissingNodeError struct {
	Node  string
	Label string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("Node %s (%s) not found in workflow", e.Node, e.Label)
}

// MissingNodes extracts every MissingNodeError from err
func MissingNodes(err error) []*MissingNodeError {
	var out []*MissingNodeError
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if m, ok := e.(*MissingNodeError); ok {
			out = append(out, m)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}

// Patch applies the template bindings to the graph in one pass. Every
// required node is checked before anything is written; all missing nodes are
// reported together and the graph is left untouched.
func (t *Template) Patch(g Graph, values map[Source]interface{}) error {
	var errs []error
	reported := make(map[string]bool)
	for _, b := range t.Bindings {
		if node, ok := g[b.Node]; !ok || node == nil {
			if !reported[b.Node] {
				reported[b.Node] = true
				errs = append(errs, &MissingNodeError{Node: b.Node, Label: b.Label})
			}
			continue
		}
		if _, ok := values[b.Source]; !ok && !b.Optional {
			errs = append(errs, fmt.Errorf("no value for %s.%s (source %s)", b.Node, b.Field, b.Source))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, b := range t.Bindings {
		v, ok := values[b.Source]
		if !ok {
			continue
		}
		node := g[b.Node]
		if node.Inputs == nil {
			node.Inputs = make(map[string]interface{})
		}
		node.Inputs[b.Field] = v
	}
	return nil
}
