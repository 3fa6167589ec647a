package comfy

import (
	"encoding/json"
	"strconv"
)

// Workflow is an engine prompt graph keyed by integer node IDs.
type Workflow map[int]*WorkflowNode

// WorkflowNode represents a node in the workflow.
type WorkflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// MarshalJSON implements custom JSON marshaling for Workflow.
func (w *Workflow) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[int]*WorkflowNode(*w))
}

// UnmarshalJSON implements custom JSON unmarshaling for Workflow.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var nodes map[int]*WorkflowNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	*w = Workflow(nodes)
	return nil
}

// Link references output slot of another node. The engine expects the node
// ID as a string on the wire.
func Link(id, slot int) []interface{} {
	return []interface{}{strconv.Itoa(id), slot}
}

// Node adds a node to the workflow and returns its ID for linking.
func (w Workflow) Node(id int, classType string, inputs map[string]interface{}) int {
	w[id] = &WorkflowNode{ClassType: classType, Inputs: inputs}
	return id
}
