package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/store"
)

func tool(s string) domain.ToolID { return domain.MustToolID(s) }

func newTestGraph(t *testing.T, st store.DocumentStore) *Graph {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	g := New(st, DefaultConfig(), log.Discard())
	t.Cleanup(g.Close)
	return g
}

func seedEdge(from, to string, w float64) Edge {
	return Edge{From: tool(from), To: tool(to), Weight: w}
}

func TestSeedPersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g := newTestGraph(t, st)
	require.NoError(t, g.Seed(ctx,
		seedEdge("fs:read_file", "code:parse", 0.9),
		seedEdge("code:parse", "code:lint", 0.7),
	))
	require.NoError(t, g.Persist(ctx))

	reloaded := newTestGraph(t, st)
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, Stats{Nodes: 3, Edges: 2, Communities: reloaded.Stats().Communities}, reloaded.Stats())
	e, ok := reloaded.Edge(tool("fs:read_file"), tool("code:parse"))
	require.True(t, ok)
	assert.InDelta(t, 0.9, e.Weight, 1e-9)
	assert.Equal(t, g.Importance(tool("fs:read_file")), reloaded.Importance(tool("fs:read_file")))
}

func TestLoadDropsInvalidEdges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Put(ctx, nodeKey(tool("a:x")), []byte(`{"id":"a:x"}`)))
	require.NoError(t, st.Put(ctx, nodeKey(tool("a:y")), []byte(`{"id":"a:y"}`)))
	require.NoError(t, st.Put(ctx, "graph/node/garbage", []byte(`{`)))
	require.NoError(t, st.Put(ctx, edgeKey(tool("a:x"), tool("a:y")), []byte(`{"from":"a:x","to":"a:y","weight":0.6,"count":2,"successes":1}`)))
	// references a node that was never persisted
	require.NoError(t, st.Put(ctx, edgeKey(tool("a:x"), tool("b:z")), []byte(`{"from":"a:x","to":"b:z","weight":0.6}`)))
	require.NoError(t, st.Put(ctx, edgeKey(tool("a:y"), tool("a:x")), []byte(`{"from":"a:y","to":"a:x","weight":4}`)))
	require.NoError(t, st.Put(ctx, "graph/edge/broken", []byte(`not json`)))

	g := newTestGraph(t, st)
	require.NoError(t, g.Load(ctx))

	assert.Equal(t, 2, g.Stats().Nodes)
	assert.Len(t, g.Edges(), 1)
	assert.InDelta(t, 0.5, g.SuccessRate(tool("a:x"), tool("a:y")), 1e-9)
}

type failingStore struct{ store.DocumentStore }

func (failingStore) List(context.Context, string) ([]store.Document, error) {
	return nil, assert.AnError
}

func TestLoadUnreadableStore(t *testing.T) {
	g := newTestGraph(t, failingStore{store.NewMemory()})
	err := g.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrGraphLoad)
}

func TestSeedRejectsInvalidEdges(t *testing.T) {
	g := newTestGraph(t, nil)
	err := g.Seed(context.Background(), Edge{From: "nocolon", To: tool("a:b"), Weight: 0.5})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeGraphToolInvalid, apperrors.CodeOf(err))

	err = g.Seed(context.Background(), seedEdge("a:b", "a:b", 0.5))
	require.Error(t, err)
}

func TestNeighborsAndToolSuccessRate(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t, nil)
	require.NoError(t, g.Seed(ctx,
		seedEdge("a:root", "a:z", 0.5),
		seedEdge("a:root", "a:b", 0.5),
		Edge{From: tool("a:other"), To: tool("a:b"), Weight: 0.5, Count: 4, Successes: 3},
	))

	neighbors := g.Neighbors(tool("a:root"))
	require.Len(t, neighbors, 2)
	assert.Equal(t, tool("a:b"), neighbors[0].To)
	assert.Equal(t, tool("a:z"), neighbors[1].To)

	assert.InDelta(t, 0.75, g.ToolSuccessRate(tool("a:b")), 1e-9)
	assert.Zero(t, g.ToolSuccessRate(tool("a:unknown")))
	assert.True(t, g.Has(tool("a:other")))
	assert.False(t, g.Has(tool("a:unknown")))
}
