package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/tui"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and maintain the learned dependency graph",
	Long: `Inspect and maintain the dependency graph loom learns from finished
workflows. An edge A -> B means B usually runs after A; its weight in [0,1]
is the confidence in that dependency.

Examples:
  loom graph seed edges.yaml
  loom graph show
  loom graph path web:fetch db:store
  loom graph reinforce web:fetch text:parse --failure`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var graphSeedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Install edges from a YAML file",
	Long: `Install edges verbatim from a YAML file of the form:

  edges:
    - from: web:fetch
      to: text:parse
      weight: 0.8`,
	Args: cobra.ExactArgs(1),
	RunE: runGraphSeed,
}

var graphShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show edges, strongest first",
	RunE:  runGraphShow,
}

var graphPathCmd = &cobra.Command{
	Use:   "path <from> <to>",
	Short: "Find the shortest learned path between two tools",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraphPath,
}

var graphReinforceCmd = &cobra.Command{
	Use:   "reinforce <from> <to>",
	Short: "Record one observation of a dependency",
	Args:  cobra.ExactArgs(2),
	RunE:  runGraphReinforce,
}

var graphDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Scale every edge weight down and prune weak edges",
	RunE:  runGraphDecay,
}

var (
	graphJSON      bool
	graphNodes     bool
	graphMaxHops   int
	graphFailure   bool
	graphFactor    float64
	graphSkipPrune bool
)

func init() {
	graphShowCmd.Flags().BoolVar(&graphJSON, "json", false, "output as JSON")
	graphShowCmd.Flags().BoolVar(&graphNodes, "nodes", false, "also list tools with importance and community")
	graphPathCmd.Flags().IntVar(&graphMaxHops, "max-hops", 0, "maximum path length (0 is unbounded)")
	graphReinforceCmd.Flags().BoolVar(&graphFailure, "failure", false, "record a failed observation")
	graphDecayCmd.Flags().Float64Var(&graphFactor, "factor", 0.9, "multiply every weight by this factor")
	graphDecayCmd.Flags().BoolVar(&graphSkipPrune, "no-prune", false, "keep edges that fall below the prune floor")

	graphCmd.AddCommand(graphSeedCmd, graphShowCmd, graphPathCmd, graphReinforceCmd, graphDecayCmd)
	rootCmd.AddCommand(graphCmd)
}

// seedFile is the YAML shape read by `loom graph seed`.
type seedFile struct {
	Edges []struct {
		From   string  `yaml:"from"`
		To     string  `yaml:"to"`
		Weight float64 `yaml:"weight"`
	} `yaml:"edges"`
}

func readSeedFile(path string) ([]graph.Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal seed file: %w", err)
	}
	edges := make([]graph.Edge, 0, len(f.Edges))
	for _, e := range f.Edges {
		from, err := domain.NewToolID(e.From)
		if err != nil {
			return nil, err
		}
		to, err := domain.NewToolID(e.To)
		if err != nil {
			return nil, err
		}
		edges = append(edges, graph.Edge{From: from, To: to, Weight: e.Weight})
	}
	return edges, nil
}

func runGraphSeed(cmd *cobra.Command, args []string) error {
	edges, err := readSeedFile(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.graph.Seed(cmd.Context(), edges...); err != nil {
		return err
	}
	if err := a.graph.Persist(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d edges\n", len(edges))
	return nil
}

func runGraphShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if graphJSON {
		view := struct {
			Stats graph.Stats  `json:"stats"`
			Edges []graph.Edge `json:"edges"`
			Nodes []graph.Node `json:"nodes,omitempty"`
		}{Stats: a.graph.Stats(), Edges: a.graph.Edges()}
		if graphNodes {
			view.Nodes = a.graph.Nodes()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprint(out, tui.RenderGraph(a.graph.Stats(), a.graph.Edges()))
	if graphNodes {
		for _, n := range a.graph.Nodes() {
			fmt.Fprintf(out, "  %-24s importance %.4f  community %d\n", n.ID, n.Importance, n.Community)
		}
	}
	return nil
}

func runGraphPath(cmd *cobra.Command, args []string) error {
	from, to, err := toolPair(args)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		path []domain.ToolID
		ok   bool
	)
	if graphMaxHops > 0 {
		path, ok = a.graph.PathWithin(from, to, graphMaxHops)
	} else {
		path, ok = a.graph.ShortestPath(from, to)
	}
	if !ok {
		return fmt.Errorf("no learned path from %s to %s", from, to)
	}

	names := make([]string, len(path))
	for i, t := range path {
		names[i] = t.String()
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, " -> "))
	return nil
}

func runGraphReinforce(cmd *cobra.Command, args []string) error {
	from, to, err := toolPair(args)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.graph.Reinforce(cmd.Context(), from, to, !graphFailure); err != nil {
		return err
	}
	e, _ := a.graph.Edge(from, to)
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s  weight %.3f (%d/%d ok)\n", e.From, e.To, e.Weight, e.Successes, e.Count)
	return nil
}

func runGraphDecay(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.graph.Decay(cmd.Context(), graphFactor); err != nil {
		return err
	}
	removed := 0
	if !graphSkipPrune {
		if removed, err = a.graph.Prune(cmd.Context()); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "decayed weights by %.2f, pruned %d edges\n", graphFactor, removed)
	return nil
}

func toolPair(args []string) (domain.ToolID, domain.ToolID, error) {
	from, err := domain.NewToolID(args[0])
	if err != nil {
		return "", "", fmt.Errorf("invalid argument: %w", err)
	}
	to, err := domain.NewToolID(args[1])
	if err != nil {
		return "", "", fmt.Errorf("invalid argument: %w", err)
	}
	return from, to, nil
}
