package stage

import (
	"container/heap"
	"sort"

	"github.com/loykin/stagebuild/pkg/builderr"
)

// Graph is a directed graph of stages. Edges point from a stage to the
// stages it depends on. Declaration order is kept and breaks every tie.
type Graph struct {
	stages []*Stage
	index  map[string]int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// AddStage adds a copy of s. Edges are not checked until TopologicalOrder,
// so stages may be added in any order.
func (g *Graph) AddStage(s *Stage) error {
	if s == nil {
		return builderr.Configuration("nil stage")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if _, exists := g.index[s.Name]; exists {
		return builderr.DuplicateStage(s.Name)
	}
	g.index[s.Name] = len(g.stages)
	g.stages = append(g.stages, s.Clone())
	return nil
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Stages returns the stages in declaration order.
func (g *Graph) Stages() []*Stage {
	return append([]*Stage(nil), g.stages...)
}

// Stage looks a stage up by name.
func (g *Graph) Stage(name string) (*Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.stages[i], true
}

// DependenciesOf returns the direct dependencies of a stage.
func (g *Graph) DependenciesOf(name string) ([]string, error) {
	s, ok := g.Stage(name)
	if !ok {
		return nil, builderr.Configuration("unknown stage %q", name)
	}
	return s.Dependencies(), nil
}

// Dependents returns the stages that depend directly on name, in declaration order.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, s := range g.stages {
		for _, d := range s.Dependencies() {
			if d == name {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

// AllDependents returns every stage that depends on name, directly or not,
// in declaration order.
func (g *Graph) AllDependents(name string) []string {
	marked := map[string]bool{}
	var collect func(string)
	collect = func(n string) {
		for _, d := range g.Dependents(n) {
			if !marked[d] {
				marked[d] = true
				collect(d)
			}
		}
	}
	collect(name)
	out := make([]string, 0, len(marked))
	for _, s := range g.stages {
		if marked[s.Name] && s.Name != name {
			out = append(out, s.Name)
		}
	}
	return out
}

// Closure returns the targets and everything they transitively depend on,
// in declaration order.
func (g *Graph) Closure(targets ...string) ([]string, error) {
	marked := map[string]bool{}
	var visit func(string) error
	visit = func(n string) error {
		if marked[n] {
			return nil
		}
		s, ok := g.Stage(n)
		if !ok {
			return builderr.Configuration("unknown stage %q", n)
		}
		marked[n] = true
		for _, d := range s.Dependencies() {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range targets {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(marked))
	for _, s := range g.stages {
		if marked[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out, nil
}

// Subgraph returns a graph holding only the named stages, in declaration order.
// Edges to stages outside the set are kept and fail validation, so callers
// pass a Closure.
func (g *Graph) Subgraph(names []string) *Graph {
	keep := map[string]bool{}
	for _, n := range names {
		keep[n] = true
	}
	sub := NewGraph()
	for _, s := range g.stages {
		if keep[s.Name] {
			sub.index[s.Name] = len(sub.stages)
			sub.stages = append(sub.stages, s)
		}
	}
	return sub
}

// Validate checks every edge: referenced stages must exist, referenced
// artifacts must be declared by their producer, and there must be no cycle.
func (g *Graph) Validate() error {
	for _, s := range g.stages {
		for _, in := range s.Inputs {
			if in.External {
				continue
			}
			producer, ok := g.Stage(in.Stage)
			if !ok {
				return builderr.Configuration("stage %s: input %s refers to unknown stage %q", s.Name, in, in.Stage)
			}
			if !producer.HasOutput(in.Name) {
				return builderr.Configuration("stage %s: input %s is not an output of %s", s.Name, in, in.Stage)
			}
		}
		for _, d := range s.DependsOn {
			if _, ok := g.index[d]; !ok {
				return builderr.Configuration("stage %s: depends_on refers to unknown stage %q", s.Name, d)
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return builderr.Cycle(cycle)
	}
	return nil
}

// findCycle walks dependency edges depth-first, roots and edges in
// declaration order, and returns the first cycle as a closed path
// (a, b, a), or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.stages))
	var path []string

	var dfs func(i int) []string
	dfs = func(i int) []string {
		color[i] = gray
		path = append(path, g.stages[i].Name)
		for _, d := range g.stages[i].Dependencies() {
			j := g.index[d]
			switch color[j] {
			case gray:
				for k, n := range path {
					if n == d {
						return append(append([]string(nil), path[k:]...), d)
					}
				}
			case white:
				if c := dfs(j); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return nil
	}

	for i := range g.stages {
		if color[i] == white {
			if c := dfs(i); c != nil {
				return c
			}
		}
	}
	return nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns the stages with every dependency before its
// dependents. Among ready stages the one declared first goes first.
func (g *Graph) TopologicalOrder() ([]*Stage, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	inDegree := make([]int, len(g.stages))
	dependents := make([][]int, len(g.stages))
	for i, s := range g.stages {
		for _, d := range s.Dependencies() {
			j := g.index[d]
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := &indexHeap{}
	for i, deg := range inDegree {
		if deg == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	order := make([]*Stage, 0, len(g.stages))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, g.stages[i])
		for _, j := range dependents[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) != len(g.stages) {
		return nil, builderr.Configuration("topological sort left %d stages unordered", len(g.stages)-len(order))
	}
	return order, nil
}

// Batches groups stages by dependency depth: every stage in batch n depends
// only on stages in earlier batches. Stages inside a batch keep declaration order.
func (g *Graph) Batches() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	level := map[string]int{}
	var batches [][]string
	for _, s := range order {
		l := 0
		for _, d := range s.Dependencies() {
			if level[d]+1 > l {
				l = level[d] + 1
			}
		}
		level[s.Name] = l
		for len(batches) <= l {
			batches = append(batches, nil)
		}
		batches[l] = append(batches[l], s.Name)
	}
	for _, b := range batches {
		sort.Slice(b, func(i, j int) bool { return g.index[b[i]] < g.index[b[j]] })
	}
	return batches, nil
}
