package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Built-in step defaults applied when neither the component nor the resolver sets them.
const (
	DefaultStepTimeout = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// StepDefaults fills in timeout and retry settings a component leaves unset.
type StepDefaults struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// DependencyResolver turns a component list into an ExecutionPlan.
// It validates dependencies, detects cycles, and stages components for execution.
// A resolver holds no per-call state and is safe for concurrent use.
type DependencyResolver struct {
	defaults StepDefaults
}

// NewDependencyResolver creates a resolver. Zero fields of defaults fall back to
// DefaultStepTimeout, DefaultMaxAttempts and DefaultBaseDelay.
func NewDependencyResolver(defaults StepDefaults) *DependencyResolver {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultStepTimeout
	}
	if defaults.Retry.MaxAttempts <= 0 {
		defaults.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if defaults.Retry.BaseDelay <= 0 {
		defaults.Retry.BaseDelay = DefaultBaseDelay
	}
	if defaults.Retry.Backoff == "" {
		defaults.Retry.Backoff = BackoffLinear
	}
	return &DependencyResolver{defaults: defaults}
}

// Resolve validates the components and produces a staged plan.
// No partial plan is returned alongside an error.
func (r *DependencyResolver) Resolve(components []Component, strategy Strategy) (*ExecutionPlan, error) {
	if strategy == "" {
		strategy = StrategyParallel
	}
	if err := strategy.Validate(); err != nil {
		return nil, NewPermanentError("invalid strategy", err).
			WithCode(ErrCodeValidation).
			WithOperation("resolve")
	}

	graph, err := r.BuildGraph(components)
	if err != nil {
		return nil, err
	}

	var groups [][]string
	switch strategy {
	case StrategySequential:
		for _, id := range topologicalOrder(graph) {
			groups = append(groups, []string{id})
		}
	case StrategyParallel:
		groups = levelGroups(graph)
	case StrategyHybrid:
		for _, level := range levelGroups(graph) {
			groups = append(groups, splitByType(graph, level)...)
		}
	}

	byID := make(map[string]*Component, len(components))
	for i := range components {
		byID[components[i].ID] = &components[i]
	}

	plan := &ExecutionPlan{
		ID:        uuid.New().String(),
		Strategy:  strategy,
		Stages:    make([]Stage, 0, len(groups)),
		Steps:     make([]Step, 0, len(components)),
		Graph:     graph,
		CreatedAt: time.Now(),
	}
	for index, ids := range groups {
		plan.Stages = append(plan.Stages, Stage{Index: index, StepIDs: ids})
		for _, id := range ids {
			plan.Steps = append(plan.Steps, r.newStep(byID[id], index))
		}
	}

	return plan, nil
}

// BuildGraph validates the components and builds the dependency graph with levels.
func (r *DependencyResolver) BuildGraph(components []Component) (*DependencyGraph, error) {
	graph := &DependencyGraph{
		Nodes: make(map[string]*GraphNode, len(components)),
		Order: make([]string, 0, len(components)),
	}
	if len(components) == 0 {
		return nil, NewPermanentError("mission has no components", nil).
			WithCode(ErrCodeValidation).
			WithOperation("resolve")
	}

	// First pass: index all components
	for i := range components {
		c := &components[i]
		if c.ID == "" {
			return nil, NewPermanentError("component has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if c.Type == "" {
			return nil, NewPermanentError("component has empty type", nil).
				WithCode(ErrCodeValidation).
				WithResource(c.ID)
		}
		if _, exists := graph.Nodes[c.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate component ID: %s", c.ID), nil).
				WithCode(ErrCodeValidation).
				WithResource(c.ID)
		}
		graph.Nodes[c.ID] = &GraphNode{
			ID:           c.ID,
			Type:         c.Type,
			Dependencies: make([]string, 0, len(c.Dependencies)),
			Dependents:   make([]string, 0),
		}
		graph.Order = append(graph.Order, c.ID)
	}

	// Second pass: edges, in declaration order
	for i := range components {
		c := &components[i]
		seen := make(map[string]bool, len(c.Dependencies))
		for _, dep := range c.Dependencies {
			target, exists := graph.Nodes[dep]
			if !exists {
				return nil, NewUnknownDependencyError(c.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			graph.Nodes[c.ID].Dependencies = append(graph.Nodes[c.ID].Dependencies, dep)
			target.Dependents = append(target.Dependents, c.ID)
		}
	}

	if err := detectCycles(graph); err != nil {
		return nil, err
	}

	computeLevels(graph)
	return graph, nil
}

// DFS colors for cycle detection.
const (
	white = iota
	gray
	black
)

// dfsFrame is one entry of the explicit DFS stack.
type dfsFrame struct {
	id   string
	next int
}

// detectCycles runs an iterative three-color DFS over dependency edges.
// The reported node is the first node found on the active path twice.
func detectCycles(graph *DependencyGraph) error {
	color := make(map[string]int, len(graph.Nodes))

	for _, root := range graph.Order {
		if color[root] != white {
			continue
		}

		stack := []dfsFrame{{id: root}}
		color[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := graph.Nodes[top.id].Dependencies

			if top.next >= len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}

			dep := deps[top.next]
			top.next++

			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, dfsFrame{id: dep})
			case gray:
				return NewCircularDependencyError(dep, cyclePath(stack, dep))
			}
		}
	}

	return nil
}

// cyclePath extracts the cycle from the active DFS path, closing it at entry.
func cyclePath(stack []dfsFrame, entry string) []string {
	start := 0
	for i, f := range stack {
		if f.id == entry {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		cycle = append(cycle, f.id)
	}
	return append(cycle, entry)
}

// topologicalOrder returns a dependency-respecting order, breaking ties by declaration order.
func topologicalOrder(graph *DependencyGraph) []string {
	index := make(map[string]int, len(graph.Order))
	inDegree := make(map[string]int, len(graph.Order))
	for i, id := range graph.Order {
		index[id] = i
		inDegree[id] = len(graph.Nodes[id].Dependencies)
	}

	ready := make([]string, 0)
	for _, id := range graph.Order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(graph.Order))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range graph.Nodes[id].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertByIndex(ready, dependent, index)
			}
		}
	}

	return order
}

// insertByIndex inserts id into ready keeping declaration order.
func insertByIndex(ready []string, id string, index map[string]int) []string {
	pos := len(ready)
	for i, other := range ready {
		if index[id] < index[other] {
			pos = i
			break
		}
	}
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}

// computeLevels assigns each node its longest dependency path from a root.
func computeLevels(graph *DependencyGraph) {
	depth := 0
	for _, id := range topologicalOrder(graph) {
		node := graph.Nodes[id]
		level := 0
		for _, dep := range node.Dependencies {
			if l := graph.Nodes[dep].Level + 1; l > level {
				level = l
			}
		}
		node.Level = level
		if level+1 > depth {
			depth = level + 1
		}
	}
	graph.Depth = depth
}

// levelGroups groups nodes by level, in declaration order within a level.
func levelGroups(graph *DependencyGraph) [][]string {
	groups := make([][]string, graph.Depth)
	for _, id := range graph.Order {
		level := graph.Nodes[id].Level
		groups[level] = append(groups[level], id)
	}
	return groups
}

// splitByType partitions a level into one group per component type,
// ordered by the first appearance of each type.
func splitByType(graph *DependencyGraph, level []string) [][]string {
	var types []string
	byType := make(map[string][]string)
	for _, id := range level {
		t := graph.Nodes[id].Type
		if _, ok := byType[t]; !ok {
			types = append(types, t)
		}
		byType[t] = append(byType[t], id)
	}

	groups := make([][]string, 0, len(types))
	for _, t := range types {
		groups = append(groups, byType[t])
	}
	return groups
}

// newStep converts a component into a plan step with defaults applied.
func (r *DependencyResolver) newStep(c *Component, stage int) Step {
	retry := c.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = r.defaults.Retry.MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = r.defaults.Retry.BaseDelay
	}
	if retry.Backoff == "" {
		retry.Backoff = r.defaults.Retry.Backoff
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = r.defaults.Retry.MaxDelay
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.defaults.Timeout
	}

	action := c.Action
	if action == "" {
		action = "deploy"
	}

	params := make(map[string]interface{}, len(c.Parameters))
	for k, v := range c.Parameters {
		params[k] = v
	}

	return Step{
		ID:              c.ID,
		ComponentID:     c.ID,
		ComponentType:   c.Type,
		Action:          action,
		Parameters:      params,
		Dependencies:    append([]string(nil), c.Dependencies...),
		Timeout:         timeout,
		Retry:           retry,
		ContinueOnError: c.ContinueOnError,
		Stage:           stage,
	}
}

// ToDOT generates a DOT format representation of the plan for visualization.
// The output can be rendered with Graphviz tools.
func (p *ExecutionPlan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	colors := make(map[string]string)
	for _, stage := range p.Stages {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_stage_%d {\n", stage.Index))
		sb.WriteString(fmt.Sprintf("    label=\"Stage %d\";\n", stage.Index))
		sb.WriteString("    style=dashed;\n")

		for _, id := range stage.StepIDs {
			step, _ := p.Step(id)
			color, ok := colors[step.ComponentType]
			if !ok {
				color = dotPalette[len(colors)%len(dotPalette)]
				colors[step.ComponentType] = color
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s/%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, id, step.ComponentType, step.Action, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, step := range p.Steps {
		for _, dep := range step.Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, step.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

var dotPalette = []string{"lightblue", "lightgreen", "khaki", "lightsalmon", "plum", "lightgray"}

// FormatCycle formats a cycle path for messages.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
