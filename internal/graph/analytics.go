package graph

import (
	"math"
	"sort"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// analytics is an immutable snapshot of importance and community data for
// one graph version.
type analytics struct {
	version     uint64
	importance  map[domain.ToolID]float64
	community   map[domain.ToolID]int
	communities int
}

// view is a dense, deterministic copy of the graph used by the algorithms.
type view struct {
	ids   []domain.ToolID
	edges []wedge
}

type wedge struct {
	from, to int
	weight   float64
}

// snapshot returns analytics for the current graph version, recomputing when
// the cache is stale.
func (g *Graph) snapshot() *analytics {
	g.mu.RLock()
	v := g.version
	g.mu.RUnlock()

	if a := g.cache.Load(); a != nil && a.version == v {
		return a
	}
	return g.recompute()
}

func (g *Graph) recompute() *analytics {
	g.recomputeMu.Lock()
	defer g.recomputeMu.Unlock()

	g.mu.RLock()
	v := g.version
	if a := g.cache.Load(); a != nil && a.version == v {
		g.mu.RUnlock()
		return a
	}
	vw := g.viewLocked()
	g.mu.RUnlock()

	start := time.Now()
	rank := pageRank(vw, g.cfg.Damping, g.cfg.Iterations, g.cfg.Tolerance)
	comm, n := louvain(vw)

	a := &analytics{
		version:     v,
		importance:  make(map[domain.ToolID]float64, len(vw.ids)),
		community:   make(map[domain.ToolID]int, len(vw.ids)),
		communities: n,
	}
	for i, id := range vw.ids {
		a.importance[id] = rank[i]
		a.community[id] = comm[i]
	}
	g.cache.Store(a)
	g.metrics.ObserveRecompute(time.Since(start))
	g.logger.Debug("graph analytics recomputed",
		"version", v,
		"nodes", len(vw.ids),
		"communities", n,
		"duration", time.Since(start),
	)
	return a
}

// scheduleRecompute restarts the debounce timer. Queries arriving before it
// fires recompute on demand.
func (g *Graph) scheduleRecompute() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.closed {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.cfg.RecomputeDebounce, func() { g.recompute() })
}

func (g *Graph) viewLocked() view {
	ids := make([]domain.ToolID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	index := make(map[domain.ToolID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	var edges []wedge
	for _, from := range ids {
		targets := g.out[from]
		tos := make([]domain.ToolID, 0, len(targets))
		for to := range targets {
			tos = append(tos, to)
		}
		sort.Slice(tos, func(i, j int) bool { return tos[i] < tos[j] })
		for _, to := range tos {
			edges = append(edges, wedge{from: index[from], to: index[to], weight: targets[to].Weight})
		}
	}
	return view{ids: ids, edges: edges}
}

// pageRank ranks prerequisites: score flows from a dependent to the tools it
// depends on, so a tool many others build on ranks high. Results are scaled
// so the top node scores 1.
func pageRank(vw view, damping float64, iterations int, tol float64) []float64 {
	n := len(vw.ids)
	if n == 0 {
		return nil
	}

	// Reversed adjacency: dependent (edge.to) links to prerequisite (edge.from).
	outWeight := make([]float64, n)
	for _, e := range vw.edges {
		outWeight[e.to] += e.weight
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}
	next := make([]float64, n)

	for iter := 0; iter < iterations; iter++ {
		dangling := 0.0
		for i := 0; i < n; i++ {
			if outWeight[i] == 0 {
				dangling += rank[i]
			}
		}
		base := (1-damping)/float64(n) + damping*dangling/float64(n)
		for i := range next {
			next[i] = base
		}
		for _, e := range vw.edges {
			if outWeight[e.to] > 0 {
				next[e.from] += damping * rank[e.to] * e.weight / outWeight[e.to]
			}
		}

		delta := 0.0
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < tol {
			break
		}
	}

	top := 0.0
	for _, r := range rank {
		top = math.Max(top, r)
	}
	if top > 0 {
		for i := range rank {
			rank[i] /= top
		}
	}
	return rank
}

// louvain clusters the undirected weighted projection of the graph by greedy
// modularity optimization: local moving, then aggregation of communities
// into super-nodes, repeated until no move improves modularity. Community
// ids are numbered by first appearance in node order.
func louvain(vw view) ([]int, int) {
	n := len(vw.ids)
	membership := make([]int, n)
	for i := range membership {
		membership[i] = i
	}
	if n == 0 {
		return membership, 0
	}

	adj := make([]map[int]float64, n)
	for i := range adj {
		adj[i] = make(map[int]float64)
	}
	for _, e := range vw.edges {
		if e.weight <= 0 {
			continue
		}
		adj[e.from][e.to] += e.weight
		adj[e.to][e.from] += e.weight
	}

	for level := 0; level < 32; level++ {
		comm, moved := localMoving(adj)
		if !moved {
			break
		}
		comm, k := renumber(comm)
		for i := range membership {
			membership[i] = comm[membership[i]]
		}
		adj = aggregate(adj, comm, k)
	}

	return renumber(membership)
}

// localMoving assigns each node of the level graph to the neighboring
// community with the best modularity gain until a full pass moves nothing.
func localMoving(adj []map[int]float64) ([]int, bool) {
	n := len(adj)
	degree := make([]float64, n)
	total := 0.0
	for i, nbrs := range adj {
		for _, w := range nbrs {
			degree[i] += w
		}
		total += degree[i]
	}

	comm := make([]int, n)
	tot := make([]float64, n)
	for i := range comm {
		comm[i] = i
		tot[i] = degree[i]
	}
	if total == 0 {
		return comm, false
	}

	neighbors := make([][]int, n)
	for i, nbrs := range adj {
		for j := range nbrs {
			if j != i {
				neighbors[i] = append(neighbors[i], j)
			}
		}
		sort.Ints(neighbors[i])
	}

	const eps = 1e-12
	moved := false
	for pass := 0; pass < 64; pass++ {
		changed := false
		for i := 0; i < n; i++ {
			if degree[i] == 0 {
				continue
			}
			links := make(map[int]float64)
			var order []int
			for _, j := range neighbors[i] {
				c := comm[j]
				if _, seen := links[c]; !seen {
					order = append(order, c)
				}
				links[c] += adj[i][j]
			}

			own := comm[i]
			tot[own] -= degree[i]

			best := own
			bestGain := links[own] - tot[own]*degree[i]/total
			for _, c := range order {
				gain := links[c] - tot[c]*degree[i]/total
				if gain > bestGain+eps {
					best, bestGain = c, gain
				}
			}

			tot[best] += degree[i]
			if best != own {
				comm[i] = best
				changed = true
				moved = true
			}
		}
		if !changed {
			break
		}
	}
	return comm, moved
}

func aggregate(adj []map[int]float64, comm []int, k int) []map[int]float64 {
	next := make([]map[int]float64, k)
	for i := range next {
		next[i] = make(map[int]float64)
	}
	for i, nbrs := range adj {
		for j, w := range nbrs {
			next[comm[i]][comm[j]] += w
		}
	}
	return next
}

func renumber(comm []int) ([]int, int) {
	ids := make(map[int]int)
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = len(ids)
			ids[c] = id
		}
		out[i] = id
	}
	return out, len(ids)
}
