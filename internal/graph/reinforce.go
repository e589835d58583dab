package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/errors"
)

// Observation is one executed dependency: To ran after From and succeeded or not.
type Observation struct {
	From    domain.ToolID
	To      domain.ToolID
	Success bool
}

// Reinforce records a single observation. See ReinforceBatch.
func (g *Graph) Reinforce(ctx context.Context, from, to domain.ToolID, success bool) error {
	return g.ReinforceBatch(ctx, []Observation{{From: from, To: to, Success: success}})
}

// ReinforceBatch applies observations in order and persists the touched
// edges and any new nodes. A missing edge is created at DefaultWeight before
// being adjusted. On success the weight moves toward 1.0 by LearningRate; on
// failure it shrinks by FailureDecay. Weights stay within [0,1].
//
// The whole batch invalidates the analytics cache once.
func (g *Graph) ReinforceBatch(ctx context.Context, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	for _, o := range obs {
		if err := o.From.Validate(); err != nil {
			return errors.Wrap(errors.ErrCodeGraphToolInvalid, "invalid observation", err)
		}
		if err := o.To.Validate(); err != nil {
			return errors.Wrap(errors.ErrCodeGraphToolInvalid, "invalid observation", err)
		}
		if o.From == o.To {
			return errors.New(errors.ErrCodeGraphToolInvalid, fmt.Sprintf("self dependency on %s", o.From))
		}
	}

	now := time.Now().UTC()
	docs := make(map[string][]byte)

	g.mu.Lock()
	for _, o := range obs {
		for _, id := range []domain.ToolID{o.From, o.To} {
			if _, ok := g.nodes[id]; !ok {
				g.nodes[id] = struct{}{}
				docs[nodeKey(id)] = mustJSON(Node{ID: id})
			}
		}
		e, ok := g.out[o.From][o.To]
		if !ok {
			e = &Edge{From: o.From, To: o.To, Weight: g.cfg.DefaultWeight}
			link(g.out, g.in, e)
		}
		e.Weight = g.adjust(e.Weight, o.Success)
		e.Count++
		if o.Success {
			e.Successes++
		}
		e.UpdatedAt = now
		docs[edgeKey(e.From, e.To)] = mustJSON(*e)
	}
	g.version++
	g.mu.Unlock()

	for _, o := range obs {
		g.metrics.RecordReinforcement(o.Success)
	}
	g.scheduleRecompute()

	return g.write(ctx, docs)
}

func (g *Graph) adjust(w float64, success bool) float64 {
	if success {
		return clamp(w + (1-w)*g.cfg.LearningRate)
	}
	return clamp(w * (1 - g.cfg.FailureDecay))
}

// Decay multiplies every edge weight by factor, which must lie in [0,1].
func (g *Graph) Decay(ctx context.Context, factor float64) error {
	if factor < 0 || factor > 1 {
		return errors.New(errors.ErrCodeGraphToolInvalid, fmt.Sprintf("decay factor %v outside [0,1]", factor))
	}

	docs := make(map[string][]byte)
	g.mu.Lock()
	for _, targets := range g.out {
		for _, e := range targets {
			e.Weight = clamp(e.Weight * factor)
			docs[edgeKey(e.From, e.To)] = mustJSON(*e)
		}
	}
	g.version++
	g.mu.Unlock()

	g.scheduleRecompute()
	return g.write(ctx, docs)
}

// Prune removes edges whose weight fell below PruneFloor and returns how many
// were removed. Nodes are kept.
func (g *Graph) Prune(ctx context.Context) (int, error) {
	var removed []*Edge
	g.mu.Lock()
	for from, targets := range g.out {
		for to, e := range targets {
			if e.Weight < g.cfg.PruneFloor {
				removed = append(removed, e)
				delete(targets, to)
				delete(g.in[to], from)
			}
		}
	}
	if len(removed) > 0 {
		g.version++
	}
	g.mu.Unlock()

	if len(removed) == 0 {
		return 0, nil
	}
	g.scheduleRecompute()

	for _, e := range removed {
		if err := g.store.Delete(ctx, edgeKey(e.From, e.To)); err != nil {
			return len(removed), errors.Wrap(errors.ErrCodeGraphPersist, "failed to delete pruned edge", err)
		}
	}
	g.logger.Info("pruned weak edges", "removed", len(removed), "floor", g.cfg.PruneFloor)
	return len(removed), nil
}
