package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// DAG is the compiled, validated form of a workflow definition. Both the
// flat step list and the node/connection graph compile into the same shape.
type DAG struct {
	WorkflowID string
	Steps      map[string]*schema.Step // step ID → step with sequence_order and depends_on stamped
	Order      []string                // valid topological order, by sequence_order then position
	Edges      map[string][]string     // step ID → dependencies
	Reverse    map[string][]string     // step ID → dependents
	Levels     [][]string              // steps grouped by sequence_order

	// MaxConcurrency is the definition's max_concurrent_steps, 0 when unset.
	MaxConcurrency int

	conditions map[string]map[string]string // target → source → condition
	evaluator  *expressions.ConditionEvaluator
}

// Compile validates def and builds its DAG. Every failure is a configuration
// error (VALIDATION_ERROR or CYCLE_DETECTED).
func Compile(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.MaxConcurrentSteps < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"max_concurrent_steps must be >= 0, got %d", def.MaxConcurrentSteps)
	}

	hasSteps, hasNodes := len(def.Steps) > 0, len(def.Nodes) > 0
	switch {
	case hasSteps && hasNodes:
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow defines both steps and nodes")
	case !hasSteps && !hasNodes:
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	case !hasNodes && len(def.Connections) > 0:
		return nil, schema.NewError(schema.ErrCodeValidation, "connections require the node form")
	}

	dag := &DAG{
		WorkflowID:     def.ID,
		MaxConcurrency: def.MaxConcurrentSteps,
		conditions:     make(map[string]map[string]string),
		evaluator:      expressions.NewConditionEvaluator(),
	}

	var err error
	if hasNodes {
		err = dag.buildGraph(def.Nodes, def.Connections)
	} else {
		err = dag.buildFlat(def.Steps)
	}
	if err != nil {
		return nil, err
	}

	dag.buildLevels()
	return dag, nil
}

// buildFlat compiles the ordered step list. sequence_order is the declared
// value or the 1-based list position. A step without depends_on depends on
// every step of the closest lower sequence_order group.
func (d *DAG) buildFlat(steps []schema.Step) error {
	list, err := d.registerSteps(steps)
	if err != nil {
		return err
	}

	for i, step := range list {
		if step.SequenceOrder == nil {
			pos := i + 1
			step.SequenceOrder = &pos
		}
	}

	groups := make(map[int][]string)
	var orders []int
	for _, step := range list {
		o := step.Order()
		if _, ok := groups[o]; !ok {
			orders = append(orders, o)
		}
		groups[o] = append(groups[o], step.ID)
	}
	sort.Ints(orders)
	prevGroup := make(map[int][]string, len(orders))
	for i := 1; i < len(orders); i++ {
		prevGroup[orders[i]] = groups[orders[i-1]]
	}

	for _, step := range list {
		deps := step.DependsOn
		if len(deps) == 0 {
			deps = prevGroup[step.Order()]
		}
		refs, err := d.stepReferences(step)
		if err != nil {
			return err
		}
		deps = append(append([]string(nil), deps...), refs...)

		if err := d.setDependencies(step, deps); err != nil {
			return err
		}
		for _, dep := range d.Edges[step.ID] {
			if d.Steps[dep].Order() >= step.Order() {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s (sequence_order %d) depends on %s (sequence_order %d), which does not run earlier",
					step.ID, step.Order(), dep, d.Steps[dep].Order()).WithStep(step.ID)
			}
		}
	}

	d.Order = make([]string, len(list))
	for i, step := range list {
		d.Order[i] = step.ID
	}
	sort.SliceStable(d.Order, func(i, j int) bool {
		return d.Steps[d.Order[i]].Order() < d.Steps[d.Order[j]].Order()
	})
	return nil
}

// buildGraph converts nodes and connections into steps and sorts them with
// Kahn's algorithm. sequence_order is the topological depth plus one.
func (d *DAG) buildGraph(nodes []schema.Node, conns []schema.Connection) error {
	steps := make([]schema.Step, len(nodes))
	for i, n := range nodes {
		kind := schema.StepKindAction
		switch n.Type {
		case schema.NodeTypeTrigger:
			kind = schema.StepKindTrigger
		case schema.NodeTypeAction, "":
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type %q", n.ID, n.Type)
		}
		steps[i] = schema.Step{
			ID:              n.ID,
			Name:            n.Title,
			Kind:            kind,
			Service:         n.Config.Service,
			Action:          n.Config.Action,
			Parameters:      n.Config.Parameters,
			ContinueOnError: n.Config.ContinueOnError,
			Timeout:         n.Config.Timeout,
		}
	}

	list, err := d.registerSteps(steps)
	if err != nil {
		return err
	}

	incoming := make(map[string][]string, len(list))
	for i, c := range conns {
		if _, ok := d.Steps[c.SourceNodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connection %d references unknown source node %q", i, c.SourceNodeID)
		}
		target, ok := d.Steps[c.TargetNodeID]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connection %d references unknown target node %q", i, c.TargetNodeID)
		}
		if target.Kind == schema.StepKindTrigger {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connection %d targets trigger node %q", i, c.TargetNodeID)
		}
		if c.SourceNodeID == c.TargetNodeID {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s connects to itself", c.SourceNodeID)
		}
		if c.Condition != "" {
			if err := d.evaluator.Check(c.Condition); err != nil {
				return err
			}
			if d.conditions[c.TargetNodeID] == nil {
				d.conditions[c.TargetNodeID] = make(map[string]string)
			}
			d.conditions[c.TargetNodeID][c.SourceNodeID] = c.Condition
		}
		incoming[c.TargetNodeID] = append(incoming[c.TargetNodeID], c.SourceNodeID)
	}

	for _, step := range list {
		refs, err := d.stepReferences(step)
		if err != nil {
			return err
		}
		if err := d.setDependencies(step, append(incoming[step.ID], refs...)); err != nil {
			return err
		}
	}

	sorted, err := d.topoSort()
	if err != nil {
		return err
	}
	d.Order = sorted

	for _, id := range sorted {
		depth := 1
		for _, dep := range d.Edges[id] {
			if o := d.Steps[dep].Order() + 1; o > depth {
				depth = o
			}
		}
		d.Steps[id].SequenceOrder = &depth
	}
	// Stable re-sort by depth keeps the Kahn order inside each level.
	sort.SliceStable(d.Order, func(i, j int) bool {
		return d.Steps[d.Order[i]].Order() < d.Steps[d.Order[j]].Order()
	})
	return nil
}

// registerSteps copies the steps into the DAG and checks ids and bindings.
func (d *DAG) registerSteps(steps []schema.Step) ([]*schema.Step, error) {
	d.Steps = make(map[string]*schema.Step, len(steps))
	d.Edges = make(map[string][]string, len(steps))
	d.Reverse = make(map[string][]string, len(steps))

	list := make([]*schema.Step, 0, len(steps))
	for i := range steps {
		step := steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := d.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if step.Kind == "" {
			step.Kind = schema.StepKindAction
		}
		if step.Kind == schema.StepKindAction && (step.Service == "" || step.Action == "") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s must name a service and an action", step.ID).WithStep(step.ID)
		}
		if step.Timeout < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s has negative timeout", step.ID).WithStep(step.ID)
		}
		if step.SequenceOrder != nil {
			o := *step.SequenceOrder
			step.SequenceOrder = &o
		}

		s := step
		d.Steps[s.ID] = &s
		list = append(list, &s)
	}
	return list, nil
}

// stepReferences parses the step's parameter templates and returns the
// referenced roots that name other steps. Such references are data
// dependencies.
func (d *DAG) stepReferences(step *schema.Step) ([]string, error) {
	refs, err := expressions.ParseParameters(step.Parameters)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has an invalid parameter: %s", step.ID, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	var deps []string
	for _, ref := range refs {
		if _, ok := d.Steps[ref.Root]; ok {
			deps = append(deps, ref.Root)
		}
	}
	return deps, nil
}

// setDependencies records deduplicated, sorted dependencies of step.
func (d *DAG) setDependencies(step *schema.Step, deps []string) error {
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == step.ID {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.ID).WithStep(step.ID)
		}
		if _, ok := d.Steps[dep]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s depends on non-existent step: %s", step.ID, dep).WithStep(step.ID)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	sort.Strings(out)

	d.Edges[step.ID] = out
	step.DependsOn = out
	for _, dep := range out {
		d.Reverse[dep] = append(d.Reverse[dep], step.ID)
	}
	return nil
}

// topoSort runs Kahn's algorithm with sorted roots for determinism.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.Steps))
	queue := make([]string, 0)
	for id := range d.Steps {
		inDegree[id] = len(d.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(d.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), d.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(d.Steps) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow contains a cycle among %v", stuck).
			WithDetails(map[string]any{"steps": stuck})
	}
	return sorted, nil
}

func (d *DAG) buildLevels() {
	d.Levels = nil
	last := 0
	for _, id := range d.Order {
		o := d.Steps[id].Order()
		if len(d.Levels) == 0 || o != last {
			d.Levels = append(d.Levels, nil)
			last = o
		}
		d.Levels[len(d.Levels)-1] = append(d.Levels[len(d.Levels)-1], id)
	}
}

// StepList returns copies of the compiled steps in Order.
func (d *DAG) StepList() []schema.Step {
	out := make([]schema.Step, len(d.Order))
	for i, id := range d.Order {
		s := *d.Steps[id]
		s.DependsOn = append([]string(nil), s.DependsOn...)
		o := s.Order()
		s.SequenceOrder = &o
		out[i] = s
	}
	return out
}

// Condition returns the condition on the connection source → target, if any.
func (d *DAG) Condition(source, target string) string {
	return d.conditions[target][source]
}

// Evaluate runs the connection condition source → target. Connections
// without a condition always pass.
func (d *DAG) Evaluate(source, target string, env expressions.ConditionEnv) (bool, error) {
	return d.evaluator.Evaluate(d.Condition(source, target), env)
}

func (d *DAG) String() string {
	return fmt.Sprintf("DAG(%s: %d steps, %d levels)", d.WorkflowID, len(d.Steps), len(d.Levels))
}
