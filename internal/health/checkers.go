package health

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/loom/internal/graph"
)

// Pinger is a store that can verify its connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker verifies the persistence collaborator answers.
type StoreChecker struct {
	store Pinger
}

// NewStoreChecker creates a checker pinging st.
func NewStoreChecker(st Pinger) *StoreChecker {
	return &StoreChecker{store: st}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) *Result {
	if err := c.store.Ping(ctx); err != nil {
		return Unhealthy(fmt.Sprintf("store unreachable: %v", err))
	}
	return Healthy("store reachable")
}

// GraphStats is the part of the dependency graph the graph checker reads.
type GraphStats interface {
	Stats() graph.Stats
}

// GraphChecker reports the size of the dependency graph. An empty graph is
// degraded: plans can only be synthesized without learned dependencies.
type GraphChecker struct {
	graph GraphStats
}

// NewGraphChecker creates a checker reading g.
func NewGraphChecker(g GraphStats) *GraphChecker {
	return &GraphChecker{graph: g}
}

func (c *GraphChecker) Name() string { return "graph" }

func (c *GraphChecker) Check(context.Context) *Result {
	s := c.graph.Stats()
	var r *Result
	if s.Edges == 0 {
		r = Degraded("dependency graph has no edges")
	} else {
		r = Healthy(fmt.Sprintf("%d tools, %d dependencies", s.Nodes, s.Edges))
	}
	return r.WithDetail("nodes", s.Nodes).
		WithDetail("edges", s.Edges).
		WithDetail("communities", s.Communities)
}
