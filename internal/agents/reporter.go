package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

const reporterSystemPrompt = `You are a scientific reporter synthesizing computational chemistry results for Metal-Organic Framework (MOF) workflows.

Create a clear Markdown report that:
1. Directly answers the user's request.
2. Summarizes the operations that were executed, in order.
3. Presents key numerical results with units (eV for energy, Å for distances, eV/Å for forces).
4. Cites the structure file paths used.
5. Interprets the results rather than just listing numbers.
6. States plainly which steps were flagged and what that means for the conclusions.

Use only the data provided. Do not invent values.`

// MarkdownReporter renders a deterministic markdown report.
type MarkdownReporter struct{}

// Summarize implements orchestrator.Synthesizer.
func (MarkdownReporter) Summarize(_ context.Context, snap orchestrator.Snapshot) (string, error) {
	var b strings.Builder
	b.WriteString("# MOF workflow report\n\n")
	fmt.Fprintf(&b, "**Request:** %s\n\n", snap.Request.Text)
	if snap.Request.StructurePath != "" {
		fmt.Fprintf(&b, "**Structure:** `%s`\n\n", snap.Request.StructurePath)
	}
	if snap.RevisionCount > 0 {
		fmt.Fprintf(&b, "The plan was revised %d time(s). Last reviewer feedback: %s\n\n", snap.RevisionCount, snap.LastFeedback)
	}

	b.WriteString("## Plan\n\n")
	b.WriteString(numberedPlan(snap.Plan))

	b.WriteString("\n## Results\n")
	if len(snap.StepOutputs) == 0 {
		b.WriteString("\nNo steps produced output.\n")
	} else {
		b.WriteString(formatOutputs(snap.StepOutputs))
	}

	var flagged []string
	for _, out := range snap.StepOutputs {
		if out.Flagged {
			flagged = append(flagged, fmt.Sprintf("- %s [%s]: %s", out.Key, out.ErrorCategory, out.Error))
		}
	}
	if len(flagged) > 0 {
		b.WriteString("\n## Flagged steps\n\n")
		b.WriteString("These steps reported a recoverable problem. Later steps did not use their output.\n\n")
		b.WriteString(strings.Join(flagged, "\n"))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// LLMReporter asks a model to write the report from the step outputs.
type LLMReporter struct {
	client *Client
}

// NewLLMReporter creates a reporter backed by client.
func NewLLMReporter(client *Client) *LLMReporter {
	return &LLMReporter{client: client}
}

// Summarize implements orchestrator.Synthesizer.
func (r *LLMReporter) Summarize(ctx context.Context, snap orchestrator.Snapshot) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ORIGINAL REQUEST:\n%s\n\n", snap.Request.Text)
	fmt.Fprintf(&b, "EXECUTED PLAN:\n%s\n", numberedPlan(snap.Plan))
	fmt.Fprintf(&b, "OPERATION OUTPUTS:\n%s\n", formatOutputs(snap.StepOutputs))

	reply, err := r.client.Complete(ctx, reporterSystemPrompt, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
