// Package graph maintains the learned dependency graph between tools.
//
// An edge A -> B with weight w says that B has been observed to depend on A
// with confidence w. The graph lives in memory and is persisted through a
// store.DocumentStore. Mutations are serialized; readers never block on the
// importance and community analytics, which are swapped in atomically.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/store"
)

const (
	nodePrefix = "graph/node/"
	edgePrefix = "graph/edge/"
)

// Node is a tool in the dependency graph with its cached analytics.
type Node struct {
	ID         domain.ToolID `json:"id"`
	Importance float64       `json:"importance"`
	Community  int           `json:"community"`
}

// Edge is a learned dependency: To depends on From.
type Edge struct {
	From      domain.ToolID `json:"from"`
	To        domain.ToolID `json:"to"`
	Weight    float64       `json:"weight"`
	Count     int           `json:"count"`
	Successes int           `json:"successes"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SuccessRate is the fraction of observations in which the dependent succeeded.
func (e Edge) SuccessRate() float64 {
	if e.Count == 0 {
		return 0
	}
	return float64(e.Successes) / float64(e.Count)
}

// Stats summarizes the graph.
type Stats struct {
	Nodes       int `json:"nodes"`
	Edges       int `json:"edges"`
	Communities int `json:"communities"`
}

// Config tunes reinforcement and analytics.
type Config struct {
	// DefaultWeight is assigned to an edge created by its first observation.
	DefaultWeight float64 `mapstructure:"default_weight"`
	// LearningRate moves a weight toward 1.0 on success.
	LearningRate float64 `mapstructure:"learning_rate"`
	// FailureDecay is the fraction of weight removed on failure.
	FailureDecay float64 `mapstructure:"failure_decay"`
	// PruneFloor is the weight below which Prune removes an edge.
	PruneFloor float64 `mapstructure:"prune_floor"`
	// MinPathWeight excludes weaker edges from path queries.
	MinPathWeight float64 `mapstructure:"min_path_weight"`

	Damping    float64 `mapstructure:"damping"`
	Iterations int     `mapstructure:"iterations"`
	Tolerance  float64 `mapstructure:"tolerance"`

	// RecomputeDebounce delays background recomputation after a mutation so
	// bursts of reinforcement share one pass.
	RecomputeDebounce time.Duration `mapstructure:"recompute_debounce"`
}

// DefaultConfig returns the default graph configuration
func DefaultConfig() Config {
	return Config{
		DefaultWeight:     0.5,
		LearningRate:      0.2,
		FailureDecay:      0.3,
		PruneFloor:        0.05,
		MinPathWeight:     0.05,
		Damping:           0.85,
		Iterations:        50,
		Tolerance:         1e-6,
		RecomputeDebounce: 250 * time.Millisecond,
	}
}

// Option configures a Graph.
type Option func(*Graph)

// WithMetrics records reinforcement and recompute metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// Graph is the dependency graph store.
type Graph struct {
	store   store.DocumentStore
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	nodes   map[domain.ToolID]struct{}
	out     map[domain.ToolID]map[domain.ToolID]*Edge
	in      map[domain.ToolID]map[domain.ToolID]*Edge
	version uint64

	cache       atomic.Pointer[analytics]
	recomputeMu sync.Mutex

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// New creates an empty graph backed by st. Call Load to populate it.
func New(st store.DocumentStore, cfg Config, logger *log.Logger, opts ...Option) *Graph {
	g := &Graph{
		store:  st,
		cfg:    cfg,
		logger: log.OrDefault(logger).WithComponent("graph"),
		nodes:  make(map[domain.ToolID]struct{}),
		out:    make(map[domain.ToolID]map[domain.ToolID]*Edge),
		in:     make(map[domain.ToolID]map[domain.ToolID]*Edge),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load rebuilds the in-memory graph from the store, replacing current contents.
//
// Invalid records and edges whose endpoints are not persisted nodes are
// dropped with a warning. An error is returned only when the store cannot be
// read at all.
func (g *Graph) Load(ctx context.Context) error {
	nodeDocs, err := g.store.List(ctx, nodePrefix)
	if err != nil {
		return errors.NewGraphLoadError(err)
	}
	edgeDocs, err := g.store.List(ctx, edgePrefix)
	if err != nil {
		return errors.NewGraphLoadError(err)
	}

	nodes := make(map[domain.ToolID]struct{}, len(nodeDocs))
	for _, doc := range nodeDocs {
		var n Node
		if err := json.Unmarshal(doc.Value, &n); err != nil || n.ID.Validate() != nil {
			g.logger.Warn("dropping invalid node record", "key", doc.Key)
			continue
		}
		nodes[n.ID] = struct{}{}
	}

	out := make(map[domain.ToolID]map[domain.ToolID]*Edge)
	in := make(map[domain.ToolID]map[domain.ToolID]*Edge)
	dropped := 0
	for _, doc := range edgeDocs {
		var e Edge
		if err := json.Unmarshal(doc.Value, &e); err != nil {
			g.logger.Warn("dropping unreadable edge record", "key", doc.Key, "error", err)
			dropped++
			continue
		}
		if reason := validateEdge(e, nodes); reason != "" {
			g.logger.Warn("dropping edge", "key", doc.Key, "reason", reason)
			dropped++
			continue
		}
		edge := e
		link(out, in, &edge)
	}

	g.mu.Lock()
	g.nodes = nodes
	g.out = out
	g.in = in
	g.version++
	g.mu.Unlock()

	a := g.recompute()
	g.logger.Info("dependency graph loaded",
		"nodes", len(nodes),
		"edges", len(edgeDocs)-dropped,
		"dropped_edges", dropped,
		"communities", a.communities,
	)
	return nil
}

func validateEdge(e Edge, nodes map[domain.ToolID]struct{}) string {
	switch {
	case e.From.Validate() != nil || e.To.Validate() != nil:
		return "invalid tool id"
	case e.From == e.To:
		return "self loop"
	case e.Weight < 0 || e.Weight > 1 || e.Weight != e.Weight:
		return "weight out of range"
	case e.Count < 0 || e.Successes < 0 || e.Successes > e.Count:
		return "invalid observation counts"
	}
	if _, ok := nodes[e.From]; !ok {
		return fmt.Sprintf("unknown node %s", e.From)
	}
	if _, ok := nodes[e.To]; !ok {
		return fmt.Sprintf("unknown node %s", e.To)
	}
	return ""
}

func link(out, in map[domain.ToolID]map[domain.ToolID]*Edge, e *Edge) {
	if out[e.From] == nil {
		out[e.From] = make(map[domain.ToolID]*Edge)
	}
	if in[e.To] == nil {
		in[e.To] = make(map[domain.ToolID]*Edge)
	}
	out[e.From][e.To] = e
	in[e.To][e.From] = e
}

// Seed installs edges verbatim (weight and counts as given) and persists them.
// It is the initial population path; learning goes through Reinforce.
func (g *Graph) Seed(ctx context.Context, edges ...Edge) error {
	now := time.Now().UTC()
	docs := make(map[string][]byte, len(edges)*3)

	g.mu.Lock()
	for _, e := range edges {
		if e.From.Validate() != nil || e.To.Validate() != nil || e.From == e.To {
			g.mu.Unlock()
			return errors.New(errors.ErrCodeGraphToolInvalid, fmt.Sprintf("invalid seed edge %s -> %s", e.From, e.To))
		}
		edge := e
		edge.Weight = clamp(edge.Weight)
		if edge.UpdatedAt.IsZero() {
			edge.UpdatedAt = now
		}
		for _, id := range []domain.ToolID{edge.From, edge.To} {
			if _, ok := g.nodes[id]; !ok {
				g.nodes[id] = struct{}{}
				docs[nodeKey(id)] = mustJSON(Node{ID: id})
			}
		}
		link(g.out, g.in, &edge)
		docs[edgeKey(edge.From, edge.To)] = mustJSON(edge)
	}
	g.version++
	g.mu.Unlock()

	g.scheduleRecompute()
	return g.write(ctx, docs)
}

// Persist writes every node, with its current analytics, and every edge.
func (g *Graph) Persist(ctx context.Context) error {
	a := g.snapshot()

	g.mu.RLock()
	docs := make(map[string][]byte, len(g.nodes))
	for id := range g.nodes {
		docs[nodeKey(id)] = mustJSON(Node{ID: id, Importance: a.importance[id], Community: a.community[id]})
	}
	for _, targets := range g.out {
		for _, e := range targets {
			docs[edgeKey(e.From, e.To)] = mustJSON(*e)
		}
	}
	g.mu.RUnlock()

	return g.write(ctx, docs)
}

func (g *Graph) write(ctx context.Context, docs map[string][]byte) error {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := g.store.Put(ctx, k, docs[k]); err != nil {
			return errors.Wrap(errors.ErrCodeGraphPersist, "failed to persist dependency graph", err)
		}
	}
	return nil
}

// Has reports whether tool is a node of the graph.
func (g *Graph) Has(tool domain.ToolID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[tool]
	return ok
}

// Edge returns the edge from -> to.
func (g *Graph) Edge(from, to domain.ToolID) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.out[from][to]; ok {
		return *e, true
	}
	return Edge{}, false
}

// Edges returns every edge ordered by (From, To).
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	edges := make([]Edge, 0, len(g.out))
	for _, targets := range g.out {
		for _, e := range targets {
			edges = append(edges, *e)
		}
	}
	g.mu.RUnlock()
	sortEdges(edges)
	return edges
}

// Neighbors returns the outgoing edges of tool ordered by target.
func (g *Graph) Neighbors(tool domain.ToolID) []Edge {
	g.mu.RLock()
	edges := make([]Edge, 0, len(g.out[tool]))
	for _, e := range g.out[tool] {
		edges = append(edges, *e)
	}
	g.mu.RUnlock()
	sortEdges(edges)
	return edges
}

// Nodes returns every node with its importance and community, ordered by id.
func (g *Graph) Nodes() []Node {
	a := g.snapshot()
	g.mu.RLock()
	nodes := make([]Node, 0, len(g.nodes))
	for id := range g.nodes {
		nodes = append(nodes, Node{ID: id, Importance: a.importance[id], Community: a.community[id]})
	}
	g.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Importance returns the cached importance of tool in [0,1]; unknown tools score 0.
func (g *Graph) Importance(tool domain.ToolID) float64 {
	return g.snapshot().importance[tool]
}

// Community returns the cluster tool belongs to.
func (g *Graph) Community(tool domain.ToolID) (int, bool) {
	c, ok := g.snapshot().community[tool]
	return c, ok
}

// SuccessRate returns the observed success rate of the edge from -> to.
func (g *Graph) SuccessRate(from, to domain.ToolID) float64 {
	e, ok := g.Edge(from, to)
	if !ok {
		return 0
	}
	return e.SuccessRate()
}

// ToolSuccessRate aggregates the outcomes of tool across all of its
// observed dependencies.
func (g *Graph) ToolSuccessRate(tool domain.ToolID) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var count, successes int
	for _, e := range g.in[tool] {
		count += e.Count
		successes += e.Successes
	}
	if count == 0 {
		return 0
	}
	return float64(successes) / float64(count)
}

// Stats reports the size of the graph.
func (g *Graph) Stats() Stats {
	a := g.snapshot()
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := 0
	for _, targets := range g.out {
		edges += len(targets)
	}
	return Stats{Nodes: len(g.nodes), Edges: edges, Communities: a.communities}
}

// Close stops any pending background recomputation.
func (g *Graph) Close() {
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

func nodeKey(id domain.ToolID) string { return nodePrefix + string(id) }

func edgeKey(from, to domain.ToolID) string {
	return edgePrefix + string(from) + "|" + string(to)
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if c := strings.Compare(string(edges[i].From), string(edges[j].From)); c != 0 {
			return c < 0
		}
		return edges[i].To < edges[j].To
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("graph: marshal %T: %v", v, err))
	}
	return data
}

func clamp(w float64) float64 {
	switch {
	case w != w || w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}
