package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// KeywordRule selects an operation when the request mentions any keyword.
type KeywordRule struct {
	Operation string
	Keywords  []string
}

// KeywordProposer plans without a model. Operations are picked by keyword
// in rule order, and a producer is inserted ahead of any operation whose
// required input nothing earlier provides.
type KeywordProposer struct {
	Rules []KeywordRule
}

// Propose implements orchestrator.Proposer.
func (p KeywordProposer) Propose(_ context.Context, in orchestrator.ProposalInput) (orchestrator.Proposal, error) {
	ops := make(map[string]registry.Descriptor, len(in.Operations))
	for _, d := range in.Operations {
		ops[d.Name] = d
	}

	text := strings.ToLower(in.Request.Text)
	var plan []string
	for _, rule := range p.Rules {
		if _, ok := ops[rule.Operation]; !ok || !mentionsAny(text, rule.Keywords) {
			continue
		}
		plan = withDependencies(plan, rule.Operation, in.Request, ops, 0)
	}

	if len(plan) == 0 {
		names := make([]string, 0, len(p.Rules))
		for _, rule := range p.Rules {
			names = append(names, rule.Operation)
		}
		return orchestrator.Refusal(fmt.Sprintf(
			"the request does not ask for any supported operation (%s)", strings.Join(names, ", "))), nil
	}
	return orchestrator.PlanOf(plan...), nil
}

func mentionsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// withDependencies appends name to plan, first appending a producer for each
// required input that is otherwise unavailable. The least preferred output
// source is used so energy-only requests do not pull in an optimization.
func withDependencies(plan []string, name string, req orchestrator.RunRequest, ops map[string]registry.Descriptor, depth int) []string {
	if slices.Contains(plan, name) || depth > len(ops) {
		return plan
	}
	for _, input := range ops[name].Inputs {
		if !input.Required || firstAvailable(input, req, plan, ops) >= 0 {
			continue
		}
		for i := len(input.Sources) - 1; i >= 0; i-- {
			src := input.Sources[i]
			if src.Output == "" {
				continue
			}
			if producer := producerOf(src.Output, name, req, plan, ops); producer != "" {
				plan = withDependencies(plan, producer, req, ops, depth+1)
				break
			}
		}
	}
	return append(plan, name)
}

// producerOf picks an operation producing field, preferring one whose own
// required inputs are already available.
func producerOf(field, exclude string, req orchestrator.RunRequest, plan []string, ops map[string]registry.Descriptor) string {
	var names []string
	for n, d := range ops {
		if n != exclude && descriptorProduces(d, field) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return ""
	}
	slices.Sort(names)
	for _, n := range names {
		if inputsAvailable(ops[n], req, plan, ops) {
			return n
		}
	}
	return names[0]
}

func inputsAvailable(d registry.Descriptor, req orchestrator.RunRequest, plan []string, ops map[string]registry.Descriptor) bool {
	for _, input := range d.Inputs {
		if input.Required && firstAvailable(input, req, plan, ops) < 0 {
			return false
		}
	}
	return true
}
