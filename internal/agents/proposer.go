package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

const proposerSystemPrompt = `You are a computational chemistry assistant specializing in Metal-Organic Frameworks (MOFs).

Your job is to:
1. Check if the user request is IN SCOPE for the available operations
2. Check if you have all necessary CONTEXT to proceed
3. Produce a STEP-BY-STEP PLAN using only the available operations

In scope: finding MOF structures by name or property, relaxing a structure,
computing energies and forces of a structure.
Out of scope: molecular dynamics, synthesis, experimental work, anything not
covered by an available operation.

If the request needs a structure and none is supplied, either plan a search
step first or ask for the structure.

Respond with exactly one JSON object in a ` + "```json" + ` block, in one of these forms:

{"status": "ready", "plan": ["operation_1", "operation_2"]}
{"status": "need_context", "question": "what you need from the user"}
{"status": "out_of_scope", "reason": "why this is not supported"}`

// proposerReply is the JSON contract of the proposer prompt.
type proposerReply struct {
	Status   string   `json:"status"`
	Plan     []string `json:"plan"`
	Reason   string   `json:"reason"`
	Question string   `json:"question"`
}

// LLMProposer asks a model for a plan.
type LLMProposer struct {
	client *Client
}

// NewLLMProposer creates a proposer backed by client.
func NewLLMProposer(client *Client) *LLMProposer {
	return &LLMProposer{client: client}
}

// Propose implements orchestrator.Proposer.
func (p *LLMProposer) Propose(ctx context.Context, in orchestrator.ProposalInput) (orchestrator.Proposal, error) {
	reply, err := p.client.Complete(ctx, proposerSystemPrompt, proposerUserPrompt(in))
	if err != nil {
		return orchestrator.Proposal{}, err
	}
	return parseProposal(reply)
}

func proposerUserPrompt(in orchestrator.ProposalInput) string {
	var b strings.Builder
	b.WriteString("Available operations:\n")
	writeOperations(&b, in.Operations)

	fmt.Fprintf(&b, "\nUser request:\n%s\n", in.Request.Text)
	if in.Request.StructurePath != "" {
		fmt.Fprintf(&b, "\nThe user supplied a structure file: %s\n", in.Request.StructurePath)
	}
	if in.PriorFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected by the reviewer (revision %d). Feedback:\n%s\nProduce a corrected plan.\n",
			in.RevisionCount, in.PriorFeedback)
	}
	return b.String()
}

func parseProposal(reply string) (orchestrator.Proposal, error) {
	var r proposerReply
	if err := decodeReply(reply, &r); err != nil {
		return orchestrator.Proposal{}, err
	}

	switch r.Status {
	case "ready":
		if r.Plan == nil {
			return orchestrator.Proposal{}, fmt.Errorf("%w: ready reply without plan", orchestrator.ErrMalformedOutput)
		}
		var steps []string
		for _, s := range r.Plan {
			steps = append(steps, strings.TrimSpace(s))
		}
		return orchestrator.PlanOf(steps...), nil
	case "need_context":
		q := r.Question
		if q == "" {
			q = "I need more information."
		}
		return orchestrator.NeedsInput(q), nil
	case "out_of_scope":
		return orchestrator.Refusal(r.Reason), nil
	default:
		return orchestrator.Proposal{}, fmt.Errorf("%w: unknown status %q", orchestrator.ErrMalformedOutput, r.Status)
	}
}

// StaticProposer always proposes the same plan. An empty plan is refused.
type StaticProposer struct {
	Steps []string
}

// Propose implements orchestrator.Proposer.
func (p StaticProposer) Propose(context.Context, orchestrator.ProposalInput) (orchestrator.Proposal, error) {
	if len(p.Steps) == 0 {
		return orchestrator.Refusal("no plan given and no llm provider configured"), nil
	}
	return orchestrator.PlanOf(p.Steps...), nil
}

// ParsePlan splits a comma separated list of operation names.
func ParsePlan(s string) []string {
	var steps []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			steps = append(steps, part)
		}
	}
	return steps
}
