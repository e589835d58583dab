package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
)

func TestShortestPath(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, nil)
	require.NoError(t, g.Seed(ctx,
		seedEdge("s:a", "s:b", 0.9),
		seedEdge("s:b", "s:c", 0.9),
		seedEdge("s:c", "s:d", 0.9),
		seedEdge("s:a", "s:x", 0.9),
		seedEdge("s:x", "s:d", 0.9),
		seedEdge("s:d", "s:weak", 0.01),
		seedEdge("s:island", "s:island2", 0.9),
	))

	tests := []struct {
		name string
		from string
		to   string
		want []string
	}{
		{"direct", "s:a", "s:b", []string{"s:a", "s:b"}},
		{"fewest hops wins", "s:a", "s:d", []string{"s:a", "s:x", "s:d"}},
		{"self", "s:c", "s:c", []string{"s:c"}},
		{"direction matters", "s:d", "s:a", nil},
		{"weak edge ignored", "s:d", "s:weak", nil},
		{"disconnected", "s:a", "s:island2", nil},
		{"unknown node", "s:a", "s:nope", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := g.ShortestPath(tool(tt.from), tool(tt.to))
			if tt.want == nil {
				assert.False(t, ok)
				assert.Nil(t, path)
				return
			}
			require.True(t, ok)
			want := make([]domain.ToolID, len(tt.want))
			for i, s := range tt.want {
				want[i] = tool(s)
			}
			assert.Equal(t, want, path)
		})
	}
}

func TestPathWithinHopBound(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, nil)
	var edges []Edge
	for i := 0; i < 5; i++ {
		edges = append(edges, seedEdge(fmt.Sprintf("c:%d", i), fmt.Sprintf("c:%d", i+1), 0.9))
	}
	require.NoError(t, g.Seed(ctx, edges...))

	path, ok := g.PathWithin(tool("c:0"), tool("c:3"), 3)
	require.True(t, ok)
	assert.Len(t, path, 4)

	_, ok = g.PathWithin(tool("c:0"), tool("c:4"), 3)
	assert.False(t, ok)

	path, ok = g.PathWithin(tool("c:0"), tool("c:5"), -1)
	require.True(t, ok)
	assert.Len(t, path, 6)
}

func TestShortestPathLargeGraph(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, nil)

	// 200 layers of 50 tools, each tool linked to two tools of the next layer.
	var edges []Edge
	for layer := 0; layer < 200; layer++ {
		for i := 0; i < 50; i++ {
			from := fmt.Sprintf("l%d:t%d", layer, i)
			edges = append(edges,
				seedEdge(from, fmt.Sprintf("l%d:t%d", layer+1, i), 0.5),
				seedEdge(from, fmt.Sprintf("l%d:t%d", layer+1, (i+1)%50), 0.5),
			)
		}
	}
	require.NoError(t, g.Seed(ctx, edges...))
	assert.Equal(t, 20000, g.Stats().Edges)

	path, ok := g.ShortestPath(tool("l0:t0"), tool("l3:t3"))
	require.True(t, ok)
	assert.Len(t, path, 4)
}
