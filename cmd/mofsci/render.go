package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	reportStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func outcomeStyle(o orchestrator.Outcome) lipgloss.Style {
	switch {
	case o == orchestrator.OutcomeCompleted:
		return healthyStyle
	case o == orchestrator.OutcomeRefused:
		return warningStyle
	default:
		return errorStyle
	}
}

// renderSnapshot writes the trace, step results and report of a run.
func renderSnapshot(w io.Writer, snap orchestrator.Snapshot) {
	fmt.Fprintln(w, titleStyle.Render("MOF workflow")+" "+dimStyle.Render(snap.RunID))
	fmt.Fprintln(w, labelStyle.Render("Request:")+" "+snap.Request.Text)
	if snap.Request.StructurePath != "" {
		fmt.Fprintln(w, labelStyle.Render("Structure:")+" "+snap.Request.StructurePath)
	}
	if len(snap.Plan) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Plan:")+" "+strings.Join(snap.Plan, " > "))
	}

	fmt.Fprintln(w, sectionStyle.Render("Trace"))
	for _, rec := range snap.Trace {
		line := fmt.Sprintf("%3d  %-10s > %-10s %-28s %s",
			rec.Seq, rec.Stage, rec.Next, rec.Outcome, dimStyle.Render(rec.Elapsed.Round(100*time.Microsecond).String()))
		fmt.Fprintln(w, line)
		if rec.Detail != "" {
			fmt.Fprintln(w, "     "+dimStyle.Render(truncate(rec.Detail, 160)))
		}
	}

	if len(snap.StepOutputs) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Steps"))
		for _, out := range snap.StepOutputs {
			status := healthyStyle.Render("ok")
			if out.Flagged {
				status = warningStyle.Render("flagged " + out.ErrorCategory)
			} else if !out.Success {
				status = errorStyle.Render("failed " + out.ErrorCategory)
			}
			fmt.Fprintf(w, "%d. %s  %s\n", out.Position+1, out.Key, status)
			if out.Error != "" {
				fmt.Fprintln(w, "   "+dimStyle.Render(out.Error))
			}
		}
	}

	fmt.Fprintln(w, sectionStyle.Render("Outcome"))
	fmt.Fprint(w, outcomeStyle(snap.Outcome).Render(string(snap.Outcome)))
	if snap.FailedStep != "" {
		fmt.Fprint(w, " at "+snap.FailedStep)
	}
	fmt.Fprintln(w)
	if snap.Detail != "" {
		fmt.Fprintln(w, dimStyle.Render(snap.Detail))
	}

	if snap.Report != "" {
		fmt.Fprintln(w, sectionStyle.Render("Report"))
		fmt.Fprintln(w, reportStyle.Render(strings.TrimSpace(snap.Report)))
	}
}

// renderOperations writes the registry listing.
func renderOperations(w io.Writer, ops []registry.Descriptor) {
	for i, d := range ops {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, labelStyle.Render(d.Name))
		fmt.Fprintln(w, "  "+d.Description)
		for _, in := range d.Inputs {
			need := "optional"
			if in.Required {
				need = "required"
			}
			sources := make([]string, len(in.Sources))
			for j, src := range in.Sources {
				sources[j] = src.String()
			}
			fmt.Fprintf(w, "  %s %s (%s) from %s\n", dimStyle.Render("input"), in.Key, need, strings.Join(sources, " | "))
		}
		if len(d.Outputs) > 0 {
			fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("produces"), strings.Join(d.Outputs, ", "))
		}
		var flags []string
		if d.Idempotent {
			flags = append(flags, "idempotent")
		}
		if d.Retryable {
			flags = append(flags, "retryable")
		}
		if len(flags) > 0 {
			fmt.Fprintf(w, "  %s\n", dimStyle.Render(strings.Join(flags, ", ")))
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
