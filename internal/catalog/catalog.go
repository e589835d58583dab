// Package catalog proposes candidate tools for a natural-language requirement.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/plan"
)

// Entry describes one tool in the catalog.
type Entry struct {
	Tool        domain.ToolID `yaml:"tool"`
	Description string        `yaml:"description"`
	Keywords    []string      `yaml:"keywords,omitempty"`
}

type catalogFile struct {
	Tools []Entry `yaml:"tools"`
}

// Static is an in-memory catalog scored by keyword overlap. It satisfies
// plan.Searcher.
type Static struct {
	entries []Entry
	terms   []map[string]struct{}
}

// NewStatic builds a catalog from entries. Invalid tool ids are rejected.
func NewStatic(entries []Entry) (*Static, error) {
	s := &Static{}
	seen := make(map[domain.ToolID]bool, len(entries))
	for _, e := range entries {
		if err := e.Tool.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry: %w", err)
		}
		if seen[e.Tool] {
			return nil, fmt.Errorf("duplicate catalog entry %s", e.Tool)
		}
		seen[e.Tool] = true

		terms := make(map[string]struct{})
		for _, src := range append([]string{e.Tool.Name(), e.Description}, e.Keywords...) {
			for _, t := range tokenize(src) {
				terms[t] = struct{}{}
			}
		}
		s.entries = append(s.entries, e)
		s.terms = append(s.terms, terms)
	}
	return s, nil
}

// Load reads a catalog YAML file of the form `tools: [{tool, description, keywords}]`.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	return NewStatic(f.Tools)
}

// Entries returns the catalog entries in load order.
func (s *Static) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Search scores every entry by the share of query terms it covers and
// returns the best limit matches, highest score first. Entries sharing no
// term with the query are omitted.
func (s *Static) Search(ctx context.Context, query string, limit int) ([]plan.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := dedupe(tokenize(query))
	if len(q) == 0 {
		return nil, nil
	}

	var out []plan.Candidate
	for i, e := range s.entries {
		hits := 0
		for _, t := range q {
			if _, ok := s.terms[i][t]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, plan.Candidate{Tool: e.Tool, Score: float64(hits) / float64(len(q))})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tool < out[j].Tool
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true,
	"then": true, "for": true, "in": true, "on": true, "with": true, "it": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
