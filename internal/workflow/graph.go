// Package workflow loads ComfyUI API-format graphs and patches them with job
// parameters according to a template descriptor.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
)

// Node is a single node of an API-format graph
type Node struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// Graph maps node IDs to nodes
type Graph map[string]*Node

// LoadFile reads a graph from disk
func LoadFile(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a graph. Payload-style files ({"input": {"workflow": {...}}})
// are unwrapped to the inner workflow.
func Parse(data []byte) (Graph, error) {
	var wrapper struct {
		Input *struct {
			Workflow json.RawMessage `json:"workflow"`
		} `json:"input"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	if wrapper.Input != nil && len(wrapper.Input.Workflow) > 0 {
		data = wrapper.Input.Workflow
	}

	var graph Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to decode workflow graph: %w", err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("workflow graph is empty")
	}
	return graph, nil
}

// Prompt converts the graph into the generic map submitted to /prompt
func (g Graph) Prompt() map[string]interface{} {
	prompt := make(map[string]interface{}, len(g))
	for id, node := range g {
		prompt[id] = node
	}
	return prompt
}
