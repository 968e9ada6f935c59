package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

const reviewerSystemPrompt = `You are a scientific supervisor reviewing computational chemistry workflows for Metal-Organic Frameworks.

Rules:
1. Relaxation (optimization) must happen BEFORE energy calculation if both are in the plan
2. A structure search or a user supplied structure file must come BEFORE relaxation or energy calculation
3. Reject plans that use operations not in the available list (e.g. "dynamics", "md_simulation")
4. Reject plans that are out of scope (e.g. synthesis, experimental work)
5. Reject plans that repeat the same operation twice in a row

When you reject, say precisely what to change.

Respond with exactly one JSON object:
{"approved": true or false, "feedback": "explanation of your decision"}`

type reviewerReply struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

// LLMReviewer asks a model to approve or reject a plan.
type LLMReviewer struct {
	client *Client
}

// NewLLMReviewer creates a reviewer backed by client.
func NewLLMReviewer(client *Client) *LLMReviewer {
	return &LLMReviewer{client: client}
}

// Review implements orchestrator.Reviewer.
func (r *LLMReviewer) Review(ctx context.Context, in orchestrator.ReviewInput) (orchestrator.Verdict, error) {
	var b strings.Builder
	b.WriteString("Available operations:\n")
	writeOperations(&b, in.Operations)
	fmt.Fprintf(&b, "\nUser request:\n%s\n", in.Request.Text)
	if in.Request.StructurePath != "" {
		fmt.Fprintf(&b, "\nThe user supplied a structure file: %s\n", in.Request.StructurePath)
	}
	fmt.Fprintf(&b, "\nPlan to review:\n%s", numberedPlan(in.Steps))

	reply, err := r.client.Complete(ctx, reviewerSystemPrompt, b.String())
	if err != nil {
		return orchestrator.Verdict{}, err
	}
	return parseVerdict(reply)
}

func parseVerdict(reply string) (orchestrator.Verdict, error) {
	var r reviewerReply
	if err := decodeReply(reply, &r); err != nil {
		return orchestrator.Verdict{}, err
	}
	if r.Approved == nil {
		return orchestrator.Verdict{}, fmt.Errorf("%w: reply has no approved field", orchestrator.ErrMalformedOutput)
	}
	return orchestrator.Verdict{Approved: *r.Approved, Feedback: strings.TrimSpace(r.Feedback)}, nil
}

// RuleReviewer checks a plan against the operation contracts without a
// model. It rejects:
//   - the same operation twice in a row;
//   - a required input no earlier step or request field can supply;
//   - a step that would settle for a lower preference source when a later
//     step produces a preferred one and the step is not repeated after it.
type RuleReviewer struct{}

// Review implements orchestrator.Reviewer.
func (RuleReviewer) Review(_ context.Context, in orchestrator.ReviewInput) (orchestrator.Verdict, error) {
	ops := make(map[string]registry.Descriptor, len(in.Operations))
	for _, d := range in.Operations {
		ops[d.Name] = d
	}

	var problems []string
	for i, name := range in.Steps {
		if i > 0 && in.Steps[i-1] == name {
			problems = append(problems, fmt.Sprintf("step %d repeats %s; remove the duplicate", i+1, name))
		}
		op, ok := ops[name]
		if !ok {
			continue
		}
		for _, input := range op.Inputs {
			if !input.Required {
				continue
			}
			rank := firstAvailable(input, in.Request, in.Steps[:i], ops)
			if rank < 0 {
				problems = append(problems, fmt.Sprintf(
					"step %d (%s) needs %s but nothing before it provides one; add a step that produces it or supply a structure file",
					i+1, name, input.Key))
				continue
			}
			if better, producer := laterPreferred(input, rank, in.Steps, i, ops); better != "" {
				problems = append(problems, fmt.Sprintf(
					"step %d (%s) runs before %s, which produces the preferred %s; move %s after %s",
					i+1, name, producer, better, name, producer))
			}
		}
	}

	if len(problems) > 0 {
		return orchestrator.Reject(strings.Join(problems, "; ")), nil
	}
	return orchestrator.Approve(fmt.Sprintf("plan of %d steps respects operation dependencies", len(in.Steps))), nil
}

// firstAvailable returns the index of the most preferred source available
// before the step, or -1.
func firstAvailable(input registry.Input, req orchestrator.RunRequest, earlier []string, ops map[string]registry.Descriptor) int {
	for rank, src := range input.Sources {
		if src.Request != "" && req.Field(src.Request) != "" {
			return rank
		}
		if src.Output != "" && anyProduces(earlier, src.Output, ops) {
			return rank
		}
	}
	return -1
}

// laterPreferred reports a source more preferred than rank that a step after
// position produces, unless the operation at position runs again after that
// producer.
func laterPreferred(input registry.Input, rank int, steps []string, position int, ops map[string]registry.Descriptor) (field, producer string) {
	name := steps[position]
	for _, src := range input.Sources[:rank] {
		if src.Output == "" {
			continue
		}
		for j := position + 1; j < len(steps); j++ {
			if !descriptorProduces(ops[steps[j]], src.Output) {
				continue
			}
			if !slices.Contains(steps[j+1:], name) {
				return src.Output, steps[j]
			}
		}
	}
	return "", ""
}

func anyProduces(steps []string, field string, ops map[string]registry.Descriptor) bool {
	for _, s := range steps {
		if descriptorProduces(ops[s], field) {
			return true
		}
	}
	return false
}

func descriptorProduces(d registry.Descriptor, field string) bool {
	return slices.Contains(d.Outputs, field)
}
