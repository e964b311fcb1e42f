package workflow

import (
	"fmt"
	"sort"

	"github.com/cuemby/docflow/pkg/types"
)

// Graph is the adjacency view of one workflow: node lookup, inbound and
// outbound edges, topological order, and transitive dependents. Building a
// Graph proves the workflow is a DAG; the scheduler works off this view
// instead of rescanning the raw definition.
type Graph struct {
	wf       *types.Workflow
	nodes    map[string]*types.Node
	inbound  map[string][]*types.Edge
	outbound map[string][]*types.Edge
	order    []string
}

// NewGraph indexes a workflow and topologically sorts it. A cycle is an
// error naming one of the nodes on it.
func NewGraph(wf *types.Workflow) (*Graph, error) {
	g := &Graph{
		wf:       wf,
		nodes:    make(map[string]*types.Node, len(wf.Nodes)),
		inbound:  make(map[string][]*types.Edge),
		outbound: make(map[string][]*types.Edge),
	}
	for _, n := range wf.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range wf.Edges {
		g.inbound[e.ToNode] = append(g.inbound[e.ToNode], e)
		g.outbound[e.FromNode] = append(g.outbound[e.FromNode], e)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Workflow returns the underlying definition.
func (g *Graph) Workflow() *types.Workflow { return g.wf }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*types.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Inbound returns the edges arriving at a node.
func (g *Graph) Inbound(id string) []*types.Edge { return g.inbound[id] }

// Outbound returns the edges leaving a node.
func (g *Graph) Outbound(id string) []*types.Edge { return g.outbound[id] }

// Order returns node ids in topological order. Ties are broken by node id
// so the order is deterministic across runs.
func (g *Graph) Order() []string { return g.order }

// EntryNodes returns the nodes with no inbound edges, sorted by id.
func (g *Graph) EntryNodes() []string {
	var out []string
	for id := range g.nodes {
		if len(g.inbound[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Descendants returns every node reachable from id, not including id
// itself. Used to mark dependents skipped when a node fails terminally.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(from string) {
		for _, e := range g.outbound[from] {
			if !seen[e.ToNode] {
				seen[e.ToNode] = true
				walk(e.ToNode)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// topoSort is Kahn's algorithm with an id-sorted frontier for determinism.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.inbound[id])
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for _, e := range g.outbound[id] {
			indegree[e.ToNode]--
			if indegree[e.ToNode] == 0 {
				released = append(released, e.ToNode)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("workflow has a cycle through node %q", stuck[0])
	}
	return order, nil
}
