package agents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

func writeOperations(b *strings.Builder, ops []registry.Descriptor) {
	for _, op := range ops {
		fmt.Fprintf(b, "- %s: %s\n", op.Name, op.Description)
		for _, in := range op.Inputs {
			srcs := make([]string, len(in.Sources))
			for i, s := range in.Sources {
				srcs[i] = s.String()
			}
			req := "optional"
			if in.Required {
				req = "required"
			}
			fmt.Fprintf(b, "    input %s (%s) from %s\n", in.Key, req, strings.Join(srcs, " | "))
		}
		if len(op.Outputs) > 0 {
			fmt.Fprintf(b, "    produces %s\n", strings.Join(op.Outputs, ", "))
		}
	}
}

// formatOutputs renders step outputs as markdown sections with sorted keys.
func formatOutputs(outputs []orchestrator.StepOutput) string {
	var b strings.Builder
	for _, out := range outputs {
		fmt.Fprintf(&b, "\n### %d. %s", out.Position+1, out.Key)
		if out.Flagged {
			fmt.Fprintf(&b, " (flagged: %s)", out.ErrorCategory)
		}
		b.WriteString("\n")
		if out.Error != "" {
			fmt.Fprintf(&b, "- error: %s\n", out.Error)
		}
		keys := make([]string, 0, len(out.Data))
		for k := range out.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, formatValue(out.Data[k]))
		}
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case float64:
		return fmt.Sprintf("%.6g", t)
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func numberedPlan(plan []string) string {
	var b strings.Builder
	for i, step := range plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}
