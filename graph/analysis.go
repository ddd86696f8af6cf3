package graph

import "sort"

// AnalysisConfig weights the criticality scoring used by dependency-graph
// introspection. The weights are non-semantic: they shape reported metrics
// only and never influence execution.
type AnalysisConfig struct {
	// PathLengthWeight scales a step's dependency level.
	PathLengthWeight float64 `yaml:"path_length_weight" json:"path_length_weight"`
	// FanoutWeight scales a step's transitive dependent count.
	FanoutWeight float64 `yaml:"fanout_weight" json:"fanout_weight"`
	// BottleneckThreshold is the score at or above which a step is
	// reported as a bottleneck.
	BottleneckThreshold float64 `yaml:"bottleneck_threshold" json:"bottleneck_threshold"`
}

// DefaultAnalysisConfig returns the default scoring weights.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		PathLengthWeight:    1.0,
		FanoutWeight:        2.0,
		BottleneckThreshold: 5.0,
	}
}

// Analysis summarizes the shape of a dependency graph for introspection.
type Analysis struct {
	NodeCount   int                `json:"node_count"`
	EdgeCount   int                `json:"edge_count"`
	RootCount   int                `json:"root_count"`
	LeafCount   int                `json:"leaf_count"`
	MaxDepth    int                `json:"max_depth"`
	MaxWidth    int                `json:"max_width"`
	Scores      map[string]float64 `json:"scores"`
	Bottlenecks []string           `json:"bottlenecks,omitempty"`
}

// Analyze scores every step and reports graph-shape metrics. A step's score
// grows with its dependency level and with how many steps transitively
// depend on it.
func (g *Graph) Analyze(cfg AnalysisConfig) Analysis {
	levels := g.Levels()

	analysis := Analysis{
		NodeCount: g.Size(),
		EdgeCount: g.EdgeCount(),
		RootCount: len(g.Roots()),
		LeafCount: len(g.Leaves()),
		Scores:    make(map[string]float64, g.Size()),
	}

	widths := make(map[int]int)
	for _, level := range levels {
		widths[level]++
		if level > analysis.MaxDepth {
			analysis.MaxDepth = level
		}
	}
	for _, width := range widths {
		if width > analysis.MaxWidth {
			analysis.MaxWidth = width
		}
	}

	for _, name := range g.Names() {
		impact := len(g.descendantsOf(name))
		score := cfg.PathLengthWeight*float64(levels[name]) + cfg.FanoutWeight*float64(impact)
		analysis.Scores[name] = score
		if score >= cfg.BottleneckThreshold {
			analysis.Bottlenecks = append(analysis.Bottlenecks, name)
		}
	}
	sort.Strings(analysis.Bottlenecks)

	return analysis
}

// descendantsOf returns every step reachable downstream of name.
func (g *Graph) descendantsOf(name string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}
	return seen
}
