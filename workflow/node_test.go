package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nestedDef() *Definition {
	return &Definition{
		ID:      "d1",
		Name:    "nested",
		Version: 1,
		Nodes: []Node{
			{ID: "t1", Kind: NodeTask, Executor: "http"},
			{ID: "p1", Kind: NodeParallel, Branches: [][]Node{
				{{ID: "b1", Kind: NodeTask, Executor: "email"}},
				{{ID: "b2", Kind: NodeTask, Executor: "http"}},
			}},
			{ID: "c1", Kind: NodeCondition, Expr: "x > 1",
				TrueBranch:  []Node{{ID: "ct", Kind: NodeTask, Executor: "report"}},
				FalseBranch: []Node{{ID: "cf", Kind: NodeTask, Executor: "email"}},
			},
			{ID: "l1", Kind: NodeLoop, Loop: LoopForEach,
				Bounds: LoopBounds{ArrayPath: "items"},
				Body:   []Node{{ID: "lb", Kind: NodeTask, Executor: "transform"}},
			},
		},
	}
}

func TestWalkVisitsNestedNodes(t *testing.T) {
	var visited []string
	err := Walk(nestedDef().Nodes, func(n *Node) error {
		visited = append(visited, n.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "p1", "b1", "b2", "c1", "ct", "cf", "l1", "lb"}, visited)
}

func TestWalkStopsOnError(t *testing.T) {
	var visited int
	err := Walk(nestedDef().Nodes, func(n *Node) error {
		visited++
		if n.ID == "b1" {
			return assert.AnError
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, visited)
}

func TestRequiredExecutors(t *testing.T) {
	execs := nestedDef().RequiredExecutors()
	assert.ElementsMatch(t, []string{"http", "email", "report", "transform"}, execs)
}

func TestMaxRetriesOrDefault(t *testing.T) {
	def := &Definition{}
	assert.Equal(t, 3, def.MaxRetriesOrDefault(3))

	def.Config.Retry.MaxRetries = 7
	assert.Equal(t, 7, def.MaxRetriesOrDefault(3))
}

func TestInstanceStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPaused.Terminal())
}
