package graph

import (
	"sort"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// ShortestPath returns the fewest-hop path from -> to over edges of at least
// MinPathWeight, or false when to is unreachable.
func (g *Graph) ShortestPath(from, to domain.ToolID) ([]domain.ToolID, bool) {
	return g.PathWithin(from, to, -1)
}

// PathWithin is ShortestPath limited to maxHops edges. A negative maxHops
// means unbounded.
//
// The search is bidirectional: it grows whichever of the forward (outgoing)
// and backward (incoming) frontiers is smaller, one full level at a time,
// and stops at the first level on which they meet.
func (g *Graph) PathWithin(from, to domain.ToolID, maxHops int) ([]domain.ToolID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return nil, false
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, false
	}
	if from == to {
		return []domain.ToolID{from}, true
	}

	fwd := map[domain.ToolID]domain.ToolID{from: ""}
	bwd := map[domain.ToolID]domain.ToolID{to: ""}
	fwdDist := map[domain.ToolID]int{from: 0}
	bwdDist := map[domain.ToolID]int{to: 0}
	fwdFrontier := []domain.ToolID{from}
	bwdFrontier := []domain.ToolID{to}
	hops := 0

	for len(fwdFrontier) > 0 && len(bwdFrontier) > 0 {
		if maxHops >= 0 && hops >= maxHops {
			return nil, false
		}
		hops++

		forward := len(fwdFrontier) <= len(bwdFrontier)
		var meet domain.ToolID
		best := -1
		var next []domain.ToolID

		if forward {
			for _, u := range fwdFrontier {
				for _, v := range g.sortedTargets(u) {
					if _, seen := fwd[v]; seen {
						continue
					}
					fwd[v] = u
					fwdDist[v] = fwdDist[u] + 1
					next = append(next, v)
					if d, ok := bwdDist[v]; ok && (best < 0 || fwdDist[v]+d < best) {
						best, meet = fwdDist[v]+d, v
					}
				}
			}
			fwdFrontier = next
		} else {
			for _, u := range bwdFrontier {
				for _, v := range g.sortedSources(u) {
					if _, seen := bwd[v]; seen {
						continue
					}
					bwd[v] = u
					bwdDist[v] = bwdDist[u] + 1
					next = append(next, v)
					if d, ok := fwdDist[v]; ok && (best < 0 || bwdDist[v]+d < best) {
						best, meet = bwdDist[v]+d, v
					}
				}
			}
			bwdFrontier = next
		}

		if best >= 0 {
			if maxHops >= 0 && best > maxHops {
				return nil, false
			}
			return joinPath(fwd, bwd, meet), true
		}
	}
	return nil, false
}

func (g *Graph) sortedTargets(u domain.ToolID) []domain.ToolID {
	ids := make([]domain.ToolID, 0, len(g.out[u]))
	for v, e := range g.out[u] {
		if e.Weight >= g.cfg.MinPathWeight {
			ids = append(ids, v)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *Graph) sortedSources(u domain.ToolID) []domain.ToolID {
	ids := make([]domain.ToolID, 0, len(g.in[u]))
	for v, e := range g.in[u] {
		if e.Weight >= g.cfg.MinPathWeight {
			ids = append(ids, v)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func joinPath(fwd, bwd map[domain.ToolID]domain.ToolID, meet domain.ToolID) []domain.ToolID {
	var head []domain.ToolID
	for at := meet; at != ""; at = fwd[at] {
		head = append(head, at)
	}
	for i, j := 0, len(head)-1; i < j; i, j = i+1, j-1 {
		head[i], head[j] = head[j], head[i]
	}
	for at := bwd[meet]; at != ""; at = bwd[at] {
		head = append(head, at)
	}
	return head
}
