package workflow

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/cordum/stagehand/core/infra/schema"
	"github.com/google/uuid"
)

// PlannedStep is a step annotated with its position and fully merged params.
type PlannedStep struct {
	Step          Step           `json:"step"`
	SequenceOrder int            `json:"sequence_order"`
	Params        map[string]any `json:"params,omitempty"`
}

// ExecutionPlan is the resolver output. It is never mutated after Resolve returns.
type ExecutionPlan struct {
	Workflow *Workflow     `json:"-"`
	BatchID  string        `json:"batch_id"`
	Steps    []PlannedStep `json:"steps"`

	index map[string]int
}

// Index returns the plan position of a step.
func (p *ExecutionPlan) Index(name string) (int, bool) {
	if p == nil {
		return 0, false
	}
	i, ok := p.index[name]
	return i, ok
}

// Names returns step names in plan order.
func (p *ExecutionPlan) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Step.Name
	}
	return out
}

// DependencyError reports every missing dependency and duplicate step name found in a workflow.
type DependencyError struct {
	// Missing maps a step name to the names it references that do not exist.
	Missing    map[string][]string
	Duplicates []string
}

func (e *DependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing)+1)
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate steps: "+strings.Join(e.Duplicates, ", "))
	}
	steps := make([]string, 0, len(e.Missing))
	for step := range e.Missing {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	for _, step := range steps {
		parts = append(parts, fmt.Sprintf("step %q references missing %s", step, strings.Join(e.Missing[step], ", ")))
	}
	return "dependency error: " + strings.Join(parts, "; ")
}

// MissingNames flattens Missing into a sorted list of unknown names.
func (e *DependencyError) MissingNames() []string {
	seen := map[string]struct{}{}
	for _, deps := range e.Missing {
		for _, d := range deps {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// CycleDetectedError carries the full cycle path. The first node is repeated at the end.
type CycleDetectedError struct {
	Cycle []string
}

func (e *CycleDetectedError) Error() string {
	return "cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// ConfigError reports an invalid step definition.
type ConfigError struct {
	Step   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Step == "" {
		return "workflow config: " + e.Reason
	}
	return fmt.Sprintf("step %q config: %s", e.Step, e.Reason)
}

// MergeParams merges params by precedence defaults < run < step. The merge is shallow.
func MergeParams(defaults, run, step map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(run)+len(step))
	maps.Copy(out, defaults)
	maps.Copy(out, run)
	maps.Copy(out, step)
	return out
}

// Resolve validates wf and produces its execution plan. Missing references, duplicate names and
// cycles are all reported before any step could run.
func Resolve(wf *Workflow, params map[string]any, batchID string) (*ExecutionPlan, error) {
	if wf == nil {
		return nil, &ConfigError{Reason: "workflow is nil"}
	}
	if err := validateSteps(wf); err != nil {
		return nil, err
	}
	if err := checkReferences(wf); err != nil {
		return nil, err
	}
	if cycle := findCycle(wf); cycle != nil {
		return nil, &CycleDetectedError{Cycle: cycle}
	}
	order := topoOrder(wf)

	if strings.TrimSpace(batchID) == "" {
		batchID = uuid.NewString()
	}
	plan := &ExecutionPlan{
		Workflow: wf,
		BatchID:  batchID,
		Steps:    make([]PlannedStep, 0, len(order)),
		index:    make(map[string]int, len(order)),
	}
	for i, idx := range order {
		step := wf.Steps[idx]
		plan.Steps = append(plan.Steps, PlannedStep{
			Step:          step,
			SequenceOrder: i,
			Params:        MergeParams(wf.Defaults, params, step.Params),
		})
		plan.index[step.Name] = i
	}
	return plan, nil
}

func validateSteps(wf *Workflow) error {
	if len(wf.Steps) == 0 {
		return &ConfigError{Reason: "workflow has no steps"}
	}
	switch wf.Policy.Mode {
	case "", ModeSequential, ModeParallel:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown mode %q", wf.Policy.Mode)}
	}
	switch wf.Policy.OnFailure {
	case "", OnErrorStop, OnErrorContinue:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown on_failure %q", wf.Policy.OnFailure)}
	}
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if strings.TrimSpace(step.Name) == "" {
			return &ConfigError{Reason: fmt.Sprintf("step %d has no name", i)}
		}
		if !step.Kind.Valid() {
			return &ConfigError{Step: step.Name, Reason: fmt.Sprintf("unknown kind %q", step.Kind)}
		}
		switch step.OnError {
		case "", OnErrorStop, OnErrorContinue, OnErrorRetry:
		default:
			return &ConfigError{Step: step.Name, Reason: fmt.Sprintf("unknown on_error %q", step.OnError)}
		}
		if step.Retry != nil {
			if _, err := step.Retry.Build(); err != nil {
				return &ConfigError{Step: step.Name, Reason: err.Error()}
			}
		}
		switch step.Kind {
		case StepKindHandler:
			if step.Handler == "" && step.Func == nil {
				return &ConfigError{Step: step.Name, Reason: "handler step requires handler or func"}
			}
		case StepKindOperation:
			if step.Operation == "" {
				return &ConfigError{Step: step.Name, Reason: "operation step requires operation"}
			}
		case StepKindBranch:
			if step.Condition == "" {
				return &ConfigError{Step: step.Name, Reason: "branch step requires condition"}
			}
		case StepKindWait:
			if step.Wait < 0 {
				return &ConfigError{Step: step.Name, Reason: "wait must be >= 0"}
			}
		case StepKindFanOut:
			if step.ForEach == "" {
				return &ConfigError{Step: step.Name, Reason: "fan_out step requires for_each"}
			}
			if step.Handler == "" && step.Func == nil {
				return &ConfigError{Step: step.Name, Reason: "fan_out step requires handler or func"}
			}
		}
		if len(step.ConfigSchema) > 0 {
			cfg := step.Config
			if cfg == nil {
				cfg = map[string]any{}
			}
			if err := schema.ValidateMap(step.ConfigSchema, cfg); err != nil {
				return &ConfigError{Step: step.Name, Reason: err.Error()}
			}
		}
	}
	return nil
}

func checkReferences(wf *Workflow) error {
	names := make(map[string]int, len(wf.Steps))
	var dupes []string
	for _, step := range wf.Steps {
		names[step.Name]++
		if names[step.Name] == 2 {
			dupes = append(dupes, step.Name)
		}
	}
	missing := map[string][]string{}
	for _, step := range wf.Steps {
		refs := append([]string{}, step.DependsOn...)
		if step.Kind == StepKindBranch {
			for _, target := range []string{step.Then, step.Else} {
				if target != "" {
					refs = append(refs, target)
				}
			}
		}
		for _, ref := range refs {
			if _, ok := names[ref]; !ok && !containsString(missing[step.Name], ref) {
				missing[step.Name] = append(missing[step.Name], ref)
			}
		}
	}
	if len(dupes) == 0 && len(missing) == 0 {
		return nil
	}
	return &DependencyError{Missing: missing, Duplicates: dupes}
}

// findCycle runs an iterative depth-first search along depends_on edges and returns the first
// cycle found, or nil.
func findCycle(wf *Workflow) []string {
	idx := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		idx[step.Name] = i
	}
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(wf.Steps))
	type frame struct {
		node int
		next int
	}
	for start := range wf.Steps {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{node: start}}
		path := []int{start}
		state[start] = visiting
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := wf.Steps[top.node].DependsOn
			if top.next >= len(deps) {
				state[top.node] = visited
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			dep := idx[deps[top.next]]
			top.next++
			switch state[dep] {
			case visiting:
				cycle := []string{}
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == dep {
						for _, n := range path[i:] {
							cycle = append(cycle, wf.Steps[n].Name)
						}
						break
					}
				}
				return append(cycle, wf.Steps[dep].Name)
			case unvisited:
				state[dep] = visiting
				stack = append(stack, frame{node: dep})
				path = append(path, dep)
			}
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm with ties broken by declaration order.
func topoOrder(wf *Workflow) []int {
	idx := make(map[string]int, len(wf.Steps))
	for i, step := range wf.Steps {
		idx[step.Name] = i
	}
	indegree := make([]int, len(wf.Steps))
	dependents := make([][]int, len(wf.Steps))
	for i, step := range wf.Steps {
		seen := map[int]struct{}{}
		for _, dep := range step.DependsOn {
			d := idx[dep]
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			indegree[i]++
			dependents[d] = append(dependents[d], i)
		}
	}
	ready := make([]int, 0, len(wf.Steps))
	for i := range wf.Steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(wf.Steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return order
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
