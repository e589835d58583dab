package plan

import (
	"context"
	"sort"
	"strings"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/telemetry"
)

// KnowledgeGraph is the part of the dependency graph the synthesizer reads.
type KnowledgeGraph interface {
	PathWithin(from, to domain.ToolID, maxHops int) ([]domain.ToolID, bool)
	Importance(tool domain.ToolID) float64
	ToolSuccessRate(tool domain.ToolID) float64
}

// Searcher proposes candidate tools for a natural-language requirement.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Config tunes synthesis and mode classification.
type Config struct {
	// HopBound is the longest learned path that still implies a dependency.
	HopBound int `mapstructure:"hop_bound"`
	// SuggestThreshold is the lowest confidence that yields a plan at all.
	SuggestThreshold float64 `mapstructure:"suggest_threshold"`
	// SpeculativeThreshold is the lowest confidence allowing eager execution.
	SpeculativeThreshold float64 `mapstructure:"speculative_threshold"`
	// SemanticWeight is the share of candidate scores in the confidence blend;
	// the rest comes from average tool importance.
	SemanticWeight float64 `mapstructure:"semantic_weight"`
	// Denylist holds irreversible-operation keywords. A keyword ending in "_"
	// matches as a prefix of the tool name, any other keyword as a substring.
	Denylist []string `mapstructure:"denylist"`
	// ReplanLimit bounds the candidates requested when replanning.
	ReplanLimit int `mapstructure:"replan_limit"`
}

// DefaultConfig returns the default synthesizer configuration
func DefaultConfig() Config {
	return Config{
		HopBound:             3,
		SuggestThreshold:     0.70,
		SpeculativeThreshold: 0.85,
		SemanticWeight:       0.6,
		Denylist:             []string{"delete", "deploy", "publish", "pay", "send_"},
		ReplanLimit:          5,
	}
}

// Synthesizer turns candidate tools into a DAG using the learned graph.
type Synthesizer struct {
	graph    KnowledgeGraph
	searcher Searcher
	cfg      Config
	logger   *log.Logger
	metrics  *metrics.Metrics
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSearcher enables Replan.
func WithSearcher(s Searcher) Option {
	return func(sy *Synthesizer) { sy.searcher = s }
}

// WithMetrics records synthesis metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(sy *Synthesizer) { sy.metrics = m }
}

// NewSynthesizer creates a synthesizer reading g.
func NewSynthesizer(g KnowledgeGraph, cfg Config, logger *log.Logger, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		graph:  g,
		cfg:    cfg,
		logger: log.OrDefault(logger).WithComponent("planner"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize builds a plan from candidates, whose order does not matter.
//
// Every pair of candidates is checked for a learned path within the hop
// bound in each direction. A one-way path makes the target depend on the
// source; paths both ways are resolved by tie-break; no path leaves the
// pair independent.
func (s *Synthesizer) Synthesize(ctx context.Context, candidates []Candidate) (*Plan, error) {
	ctx, span := telemetry.StartPlanSpan(ctx, len(candidates))
	defer span.End()

	cands, err := normalize(candidates)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	tools := make([]domain.ToolID, len(cands))
	for i, c := range cands {
		tools[i] = c.Tool
	}

	deps, ambiguities, err := s.dependencies(ctx, tools)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	taken := make(map[domain.TaskID]bool, len(tools))
	ids := make(map[domain.ToolID]domain.TaskID, len(tools))
	for _, tool := range tools {
		ids[tool] = uniqueID(taskIDFor(tool), taken)
	}

	tasks := make([]Task, 0, len(tools))
	for _, tool := range tools {
		task := Task{ID: ids[tool], Tool: tool}
		for _, pre := range deps[tool] {
			task.DependsOn = append(task.DependsOn, ids[pre])
		}
		tasks = append(tasks, task)
	}

	dag, err := NewDAG(tasks)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	confidence := s.confidence(cands)
	restricted := s.Restricted(tools)
	mode := s.Classify(confidence, tools)

	p := &Plan{
		Mode:        mode,
		Confidence:  confidence,
		Ambiguities: ambiguities,
		Restricted:  restricted,
	}
	if mode != ModeExplicitRequired {
		p.DAG = dag
	}

	s.metrics.RecordPlan(string(mode), len(ambiguities))
	s.logger.Debug("plan synthesized",
		"tools", len(tools),
		"mode", mode,
		"confidence", confidence,
		"ambiguities", len(ambiguities),
	)
	return p, nil
}

// normalize validates candidates, merges duplicates keeping the best score,
// and orders them by tool id.
func normalize(candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrCodePlanInvalid, "no candidate tools").
			WithSuggestion("Supply at least one candidate tool")
	}
	best := make(map[domain.ToolID]float64, len(candidates))
	for _, c := range candidates {
		if err := c.Tool.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodePlanInvalid, "invalid candidate", err)
		}
		score := c.Score
		if score < 0 || score != score {
			score = 0
		} else if score > 1 {
			score = 1
		}
		if prev, ok := best[c.Tool]; !ok || score > prev {
			best[c.Tool] = score
		}
	}

	out := make([]Candidate, 0, len(best))
	for tool, score := range best {
		out = append(out, Candidate{Tool: tool, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out, nil
}

// dependencies returns, per tool, the tools it depends on.
func (s *Synthesizer) dependencies(ctx context.Context, tools []domain.ToolID) (map[domain.ToolID][]domain.ToolID, []Ambiguity, error) {
	deps := make(map[domain.ToolID][]domain.ToolID, len(tools))
	var ambiguities []Ambiguity

	for i := 0; i < len(tools); i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		for j := i + 1; j < len(tools); j++ {
			pre, dep, amb, ok := s.order(tools[i], tools[j])
			if !ok {
				continue
			}
			deps[dep] = append(deps[dep], pre)
			if amb != nil {
				ambiguities = append(ambiguities, *amb)
				s.logger.Info("ambiguous dependency resolved",
					"event", "ambiguous_resolution",
					"a", amb.A,
					"b", amb.B,
					"winner", amb.Winner,
					"reason", amb.Reason,
				)
			}
		}
	}
	return deps, ambiguities, nil
}

// order decides whether a and b are ordered. It returns the prerequisite and
// the dependent, plus the ambiguity when both directions had a path.
func (s *Synthesizer) order(a, b domain.ToolID) (pre, dep domain.ToolID, amb *Ambiguity, ok bool) {
	_, ab := s.graph.PathWithin(a, b, s.cfg.HopBound)
	_, ba := s.graph.PathWithin(b, a, s.cfg.HopBound)

	switch {
	case ab && !ba:
		return a, b, nil, true
	case ba && !ab:
		return b, a, nil, true
	case !ab && !ba:
		return "", "", nil, false
	}

	winner, reason := s.tieBreak(a, b)
	loser := b
	if winner == b {
		loser = a
	}
	return winner, loser, &Ambiguity{A: a, B: b, Winner: winner, Reason: reason}, true
}

// tieBreak prefers higher importance, then higher historical success rate,
// then the lexically smaller tool id.
func (s *Synthesizer) tieBreak(a, b domain.ToolID) (domain.ToolID, string) {
	ia, ib := s.graph.Importance(a), s.graph.Importance(b)
	if ia != ib {
		if ia > ib {
			return a, "importance"
		}
		return b, "importance"
	}
	ra, rb := s.graph.ToolSuccessRate(a), s.graph.ToolSuccessRate(b)
	if ra != rb {
		if ra > rb {
			return a, "success_rate"
		}
		return b, "success_rate"
	}
	if a < b {
		return a, "lexical"
	}
	return b, "lexical"
}

// confidence blends the mean semantic score with the mean importance of the
// candidates the graph has ranked. Tools the graph has never seen carry no
// importance evidence, so with none ranked the score stands alone.
func (s *Synthesizer) confidence(cands []Candidate) float64 {
	var score, importance float64
	var ranked int
	for _, c := range cands {
		score += c.Score
		if imp := s.graph.Importance(c.Tool); imp > 0 {
			importance += imp
			ranked++
		}
	}
	score /= float64(len(cands))
	if ranked == 0 {
		return score
	}
	w := s.cfg.SemanticWeight
	return w*score + (1-w)*(importance/float64(ranked))
}

// Classify maps a confidence score to an execution mode. Plans containing a
// restricted tool never classify above suggested.
func (s *Synthesizer) Classify(confidence float64, tools []domain.ToolID) Mode {
	var mode Mode
	switch {
	case confidence >= s.cfg.SpeculativeThreshold:
		mode = ModeSpeculative
	case confidence >= s.cfg.SuggestThreshold:
		mode = ModeSuggested
	default:
		mode = ModeExplicitRequired
	}
	if mode == ModeSpeculative && len(s.Restricted(tools)) > 0 {
		mode = ModeSuggested
	}
	return mode
}

// Restricted returns the tools whose name matches the denylist.
func (s *Synthesizer) Restricted(tools []domain.ToolID) []domain.ToolID {
	var out []domain.ToolID
	for _, t := range tools {
		if s.IsIrreversible(t) {
			out = append(out, t)
		}
	}
	return out
}

// IsIrreversible reports whether the tool name matches a denylisted keyword.
func (s *Synthesizer) IsIrreversible(tool domain.ToolID) bool {
	name := strings.ToLower(tool.Name())
	for _, kw := range s.cfg.Denylist {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.HasSuffix(kw, "_") || strings.HasSuffix(kw, "*") {
			if strings.HasPrefix(name, strings.TrimRight(kw, "*")) {
				return true
			}
			continue
		}
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}
