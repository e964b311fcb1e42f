package workflow

import (
	"fmt"

	"github.com/cuemby/docflow/pkg/types"
)

const (
	defaultTimeoutMs   = 30000
	defaultMaxAttempts = 1
)

// Validate checks a workflow definition against its structural invariants
// and fills in defaults. The returned error names the first violation; a
// definition that validates is safe to hand to the engine without further
// checks.
func Validate(wf *types.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	if len(wf.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no nodes", wf.ID)
	}
	if wf.MaxParallelNodes < 0 {
		return fmt.Errorf("workflow %q: max_parallel_nodes must not be negative", wf.ID)
	}

	nodes := make(map[string]*types.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %q: node without node_id", wf.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("workflow %q: node %q has no node_type", wf.ID, n.ID)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate node_id %q", wf.ID, n.ID)
		}
		nodes[n.ID] = n

		inPorts := make(map[string]bool, len(n.InputPorts))
		for _, p := range n.InputPorts {
			if p.Name == "" {
				return fmt.Errorf("workflow %q: node %q has an unnamed input port", wf.ID, n.ID)
			}
			if inPorts[p.Name] {
				return fmt.Errorf("workflow %q: node %q declares input port %q twice", wf.ID, n.ID, p.Name)
			}
			inPorts[p.Name] = true
		}
		outPorts := make(map[string]bool, len(n.OutputPorts))
		for _, p := range n.OutputPorts {
			if p == "" {
				return fmt.Errorf("workflow %q: node %q has an unnamed output port", wf.ID, n.ID)
			}
			if outPorts[p] {
				return fmt.Errorf("workflow %q: node %q declares output port %q twice", wf.ID, n.ID, p)
			}
			outPorts[p] = true
		}

		if n.TimeoutMs <= 0 {
			n.TimeoutMs = defaultTimeoutMs
		}
		if n.MaxAttempts <= 0 {
			n.MaxAttempts = defaultMaxAttempts
		}
	}

	// Two edges into the same port would make the input ambiguous.
	bound := make(map[string]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		from, ok := nodes[e.FromNode]
		if !ok {
			return fmt.Errorf("workflow %q: edge references unknown from_node %q", wf.ID, e.FromNode)
		}
		to, ok := nodes[e.ToNode]
		if !ok {
			return fmt.Errorf("workflow %q: edge references unknown to_node %q", wf.ID, e.ToNode)
		}
		if !hasOutputPort(from, e.FromPort) {
			return fmt.Errorf("workflow %q: node %q has no output port %q", wf.ID, e.FromNode, e.FromPort)
		}
		if !hasInputPort(to, e.ToPort) {
			return fmt.Errorf("workflow %q: node %q has no input port %q", wf.ID, e.ToNode, e.ToPort)
		}
		key := e.ToNode + "\x00" + e.ToPort
		if bound[key] {
			return fmt.Errorf("workflow %q: input port %s.%s is bound by two edges", wf.ID, e.ToNode, e.ToPort)
		}
		bound[key] = true
	}

	g, err := NewGraph(wf)
	if err != nil {
		return fmt.Errorf("workflow %q: %w", wf.ID, err)
	}

	triggerIDs := make(map[string]bool, len(wf.Triggers))
	for i, tr := range wf.Triggers {
		if tr.ID == "" {
			tr.ID = fmt.Sprintf("%s-trigger-%d", wf.ID, i+1)
		}
		if triggerIDs[tr.ID] {
			return fmt.Errorf("workflow %q: duplicate trigger_id %q", wf.ID, tr.ID)
		}
		triggerIDs[tr.ID] = true

		if tr.Source == "" {
			tr.Source = "*"
		}
		if !validTriggerSource(tr.Source) {
			return fmt.Errorf("workflow %q: trigger %q has unknown source %q", wf.ID, tr.ID, tr.Source)
		}
		if !tr.Kind.Valid() {
			return fmt.Errorf("workflow %q: trigger %q has unknown kind %q", wf.ID, tr.ID, tr.Kind)
		}
		if _, ok := nodes[tr.TargetNode]; !ok {
			return fmt.Errorf("workflow %q: trigger %q targets unknown node %q", wf.ID, tr.ID, tr.TargetNode)
		}
		if len(g.Inbound(tr.TargetNode)) > 0 {
			return fmt.Errorf("workflow %q: trigger %q targets node %q which has inbound edges", wf.ID, tr.ID, tr.TargetNode)
		}
	}

	return nil
}

func hasOutputPort(n *types.Node, port string) bool {
	for _, p := range n.OutputPorts {
		if p == port {
			return true
		}
	}
	return false
}

func hasInputPort(n *types.Node, port string) bool {
	for _, p := range n.InputPorts {
		if p.Name == port {
			return true
		}
	}
	return false
}

func validTriggerSource(source string) bool {
	switch source {
	case "*", string(types.SourceWatcher), string(types.SourceReconciler), string(types.SourceAPI):
		return true
	}
	return false
}
