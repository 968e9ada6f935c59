package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// Severity indicates how serious a gate violation is.
type Severity string

const (
	// SeverityWarning is recorded and logged but does not block the plan.
	SeverityWarning Severity = "warning"
	// SeverityCritical ends the run with a configuration error.
	SeverityCritical Severity = "critical"
)

// Violation is one problem a gate found in a proposed plan.
type Violation struct {
	Gate        string   `json:"gate"`
	Severity    Severity `json:"severity"`
	Operation   string   `json:"operation,omitempty"`
	Position    int      `json:"position"`
	Description string   `json:"description"`
}

// PlanContext is what a gate inspects.
type PlanContext struct {
	Request  RunRequest
	Steps    []string
	Registry *registry.Registry
}

// PlanGate vets a proposed plan before it reaches the reviewer.
type PlanGate interface {
	Name() string
	Check(ctx context.Context, pc PlanContext) ([]Violation, error)
}

// RegistryGate flags every plan entry the registry does not know.
type RegistryGate struct{}

// Name returns the gate identifier
func (RegistryGate) Name() string { return "registry" }

// Check validates every step name against the registry
func (g RegistryGate) Check(_ context.Context, pc PlanContext) ([]Violation, error) {
	err := pc.Registry.Validate(pc.Steps)
	if err == nil {
		return nil, nil
	}
	var unknown *registry.UnknownOperationError
	if !errors.As(err, &unknown) {
		return nil, err
	}

	var violations []Violation
	for _, name := range unknown.Names {
		violations = append(violations, Violation{
			Gate:        g.Name(),
			Severity:    SeverityCritical,
			Operation:   name,
			Position:    indexOf(pc.Steps, name),
			Description: fmt.Sprintf("%s: %s", registry.ErrUnknownOperation, name),
		})
	}
	return violations, nil
}

// LengthGate rejects plans longer than Max steps.
type LengthGate struct {
	Max int
}

// Name returns the gate identifier
func (LengthGate) Name() string { return "plan-length" }

// Check compares the plan length against the limit
func (g LengthGate) Check(_ context.Context, pc PlanContext) ([]Violation, error) {
	if g.Max <= 0 || len(pc.Steps) <= g.Max {
		return nil, nil
	}
	return []Violation{{
		Gate:        g.Name(),
		Severity:    SeverityCritical,
		Position:    g.Max,
		Description: fmt.Sprintf("plan has %d steps, limit is %d", len(pc.Steps), g.Max),
	}}, nil
}

// DependencyGate warns about required inputs that neither the request nor
// any earlier step can supply. It never blocks: the executor reports the
// actual failure when the step runs.
type DependencyGate struct{}

// Name returns the gate identifier
func (DependencyGate) Name() string { return "dependency" }

// Check walks the plan in order tracking which payload fields are available
func (g DependencyGate) Check(_ context.Context, pc PlanContext) ([]Violation, error) {
	var violations []Violation
	var earlier []registry.Operation

	for i, name := range pc.Steps {
		op, err := pc.Registry.Resolve(name)
		if err != nil {
			// Unknown names are the registry gate's concern.
			continue
		}
		for _, in := range op.Inputs {
			if !in.Required || satisfiable(in, pc.Request, earlier) {
				continue
			}
			violations = append(violations, Violation{
				Gate:        g.Name(),
				Severity:    SeverityWarning,
				Operation:   name,
				Position:    i,
				Description: fmt.Sprintf("%s input %q has no provider before step %d", name, in.Key, i),
			})
		}
		earlier = append(earlier, op)
	}
	return violations, nil
}

func satisfiable(in registry.Input, req RunRequest, earlier []registry.Operation) bool {
	for _, src := range in.Sources {
		if src.Request != "" && req.Field(src.Request) != "" {
			return true
		}
		if src.Output != "" {
			for _, op := range earlier {
				if op.Produces(src.Output) {
					return true
				}
			}
		}
	}
	return false
}

// DefaultGates returns the gates every Executor runs.
func DefaultGates(maxPlanSteps int) []PlanGate {
	return []PlanGate{RegistryGate{}, LengthGate{Max: maxPlanSteps}, DependencyGate{}}
}

// describeViolations creates a summary of violations
func describeViolations(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Gate, v.Description))
	}
	return strings.Join(parts, "; ")
}

func filterSeverity(violations []Violation, sev Severity) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

func indexOf(steps []string, name string) int {
	for i, s := range steps {
		if s == name {
			return i
		}
	}
	return -1
}
