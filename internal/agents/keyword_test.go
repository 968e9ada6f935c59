package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

var testRules = []KeywordRule{
	{Operation: "search_mof_db", Keywords: []string{"find", "search"}},
	{Operation: "optimize_structure", Keywords: []string{"optimi", "relax"}},
	{Operation: "calculate_energy_force", Keywords: []string{"energy", "force"}},
}

func TestKeywordProposer(t *testing.T) {
	tests := []struct {
		name string
		req  orchestrator.RunRequest
		want []string
	}{
		{
			name: "search only",
			req:  orchestrator.RunRequest{Text: "Find HKUST-1"},
			want: []string{"search_mof_db"},
		},
		{
			name: "optimize pulls in search",
			req:  orchestrator.RunRequest{Text: "Optimize UiO-66 and compute its energy"},
			want: []string{"search_mof_db", "optimize_structure", "calculate_energy_force"},
		},
		{
			name: "energy alone skips optimization",
			req:  orchestrator.RunRequest{Text: "What is the energy of MOF-5?"},
			want: []string{"search_mof_db", "calculate_energy_force"},
		},
		{
			name: "supplied structure needs no search",
			req:  orchestrator.RunRequest{Text: "Relax this framework", StructurePath: "/tmp/x.cif"},
			want: []string{"optimize_structure"},
		},
		{
			name: "case insensitive",
			req:  orchestrator.RunRequest{Text: "SEARCH for a copper MOF, then RELAX it"},
			want: []string{"search_mof_db", "optimize_structure"},
		},
	}

	p := KeywordProposer{Rules: testRules}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Propose(context.Background(), orchestrator.ProposalInput{Request: tt.req, Operations: testOperations()})
			require.NoError(t, err)
			assert.Equal(t, orchestrator.KindPlan, got.Kind)
			assert.Equal(t, tt.want, got.Steps)

			verdict, err := RuleReviewer{}.Review(context.Background(), reviewInput(tt.req, got.Steps...))
			require.NoError(t, err)
			assert.True(t, verdict.Approved, verdict.Feedback)
		})
	}
}

func TestKeywordProposer_Refuses(t *testing.T) {
	p := KeywordProposer{Rules: testRules}
	got, err := p.Propose(context.Background(), orchestrator.ProposalInput{
		Request:    orchestrator.RunRequest{Text: "write a poem about zeolites"},
		Operations: testOperations(),
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.KindRefused, got.Kind)
	assert.Contains(t, got.Reason, "search_mof_db")
}

func TestKeywordProposer_IgnoresUnregisteredOperations(t *testing.T) {
	p := KeywordProposer{Rules: append([]KeywordRule{{Operation: "md_run", Keywords: []string{"energy"}}}, testRules...)}
	got, err := p.Propose(context.Background(), orchestrator.ProposalInput{
		Request:    orchestrator.RunRequest{Text: "energy of MOF-5"},
		Operations: testOperations(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"search_mof_db", "calculate_energy_force"}, got.Steps)
}
