package definition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/goliatone/go-orchestrator"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a definition for structural problems: struct tags, step
// key uniqueness, dependency references, cycles, retry rules, natural key
// declarations and, when resolver is not nil, handler references.
func Validate(def *orchestrator.Definition, resolver orchestrator.HandlerResolver) error {
	if def == nil {
		return orchestrator.NewError(orchestrator.ErrInvalidDefinition, "definition required", nil, nil)
	}
	meta := map[string]any{"definition_key": def.Key, "version": def.Version, "firm_id": def.FirmID}

	if err := structValidator.Struct(def); err != nil {
		return orchestrator.NewError(orchestrator.ErrInvalidDefinition, describeValidation(err), err, meta)
	}

	var problems []string
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.Key] {
			problems = append(problems, fmt.Sprintf("duplicate step key %q", step.Key))
		}
		seen[step.Key] = true
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", step.Key, dep))
			}
		}
		switch orchestrator.NormalizeIdempotencyStrategy(step.Idempotency) {
		case orchestrator.IdempotencyNaturalKey:
			if len(step.NaturalKey) == 0 {
				problems = append(problems, fmt.Sprintf("step %q uses natural_key without fields", step.Key))
			}
		case orchestrator.IdempotencyDedupeWindow:
			if step.DedupeWindow <= 0 {
				problems = append(problems, fmt.Sprintf("step %q uses dedupe_window without a window", step.Key))
			}
		}
		problems = append(problems, ruleProblems("step "+step.Key, step.Retry)...)
		if resolver != nil {
			if _, ok := resolver.Resolve(step.Handler); !ok {
				problems = append(problems, fmt.Sprintf("step %q references unknown handler %q", step.Key, step.Handler))
			}
		}
	}
	problems = append(problems, ruleProblems("definition", def.Retry)...)

	for _, cycle := range findCycles(def) {
		problems = append(problems, "dependency cycle "+strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		meta["problems"] = problems
		return orchestrator.NewError(orchestrator.ErrInvalidDefinition, strings.Join(problems, "; "), nil, meta)
	}
	return nil
}

func ruleProblems(scope string, rules map[orchestrator.ErrorClass]orchestrator.RetryRule) []string {
	var out []string
	classes := make([]string, 0, len(rules))
	for class := range rules {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	for _, c := range classes {
		class := orchestrator.ErrorClass(c)
		rule := rules[class]
		if !class.Valid() {
			out = append(out, fmt.Sprintf("%s retry rule for unknown error class %q", scope, c))
			continue
		}
		if rule.MaxAttempts < 0 || rule.BaseBackoff < 0 {
			out = append(out, fmt.Sprintf("%s retry rule for %s must not be negative", scope, c))
		}
	}
	return out
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// findCycles returns every strongly connected component of the dependency
// graph that forms a cycle, using Tarjan's algorithm.
func findCycles(def *orchestrator.Definition) [][]string {
	graph := make(map[string][]string, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		if _, ok := graph[step.Key]; !ok {
			order = append(order, step.Key)
		}
		graph[step.Key] = append(graph[step.Key], step.DependsOn...)
	}

	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		cycles  [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, known := graph[w]; !known {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || selfLoop(v, graph) {
				sort.Strings(scc)
				cycles = append(cycles, append(scc, scc[0]))
			}
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return cycles
}

func selfLoop(node string, graph map[string][]string) bool {
	for _, n := range graph[node] {
		if n == node {
			return true
		}
	}
	return false
}
