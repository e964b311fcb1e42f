package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/types"
)

// diamond builds a -> b, a -> c, b -> d, c -> d.
func diamond() *types.Workflow {
	node := func(id string) *types.Node {
		return &types.Node{
			ID:          id,
			Type:        "passthrough",
			InputPorts:  []types.InputPort{{Name: "in"}, {Name: "in2", Optional: true}},
			OutputPorts: []string{"out"},
		}
	}
	return &types.Workflow{
		ID:    "diamond",
		Nodes: []*types.Node{node("a"), node("b"), node("c"), node("d")},
		Edges: []*types.Edge{
			{FromNode: "a", FromPort: "out", ToNode: "b", ToPort: "in"},
			{FromNode: "a", FromPort: "out", ToNode: "c", ToPort: "in"},
			{FromNode: "b", FromPort: "out", ToNode: "d", ToPort: "in"},
			{FromNode: "c", FromPort: "out", ToNode: "d", ToPort: "in2"},
		},
	}
}

func TestGraphTopologicalOrder(t *testing.T) {
	g, err := NewGraph(diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, g.Order())
	assert.Equal(t, []string{"a"}, g.EntryNodes())
}

func TestGraphAdjacency(t *testing.T) {
	g, err := NewGraph(diamond())
	require.NoError(t, err)

	assert.Len(t, g.Outbound("a"), 2)
	assert.Len(t, g.Inbound("d"), 2)
	assert.Empty(t, g.Inbound("a"))
	assert.Empty(t, g.Outbound("d"))

	n, ok := g.Node("b")
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)
	_, ok = g.Node("zz")
	assert.False(t, ok)
}

func TestGraphDescendants(t *testing.T) {
	g, err := NewGraph(diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.Equal(t, []string{"d"}, g.Descendants("b"))
	assert.Empty(t, g.Descendants("d"))
}

func TestGraphCycleDetection(t *testing.T) {
	wf := diamond()
	wf.Edges = append(wf.Edges, &types.Edge{
		FromNode: "d", FromPort: "out", ToNode: "a", ToPort: "in",
	})

	_, err := NewGraph(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraphDisconnectedNodes(t *testing.T) {
	wf := &types.Workflow{
		ID: "islands",
		Nodes: []*types.Node{
			{ID: "x", Type: "passthrough"},
			{ID: "y", Type: "passthrough"},
		},
	}
	g, err := NewGraph(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, g.Order())
	assert.Equal(t, []string{"x", "y"}, g.EntryNodes())
}
