package agents

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
)

// fakeModel returns scripted replies in order. An error entry is returned
// as the call's error.
type fakeModel struct {
	mu       sync.Mutex
	replies  []any
	calls    int
	messages [][]llms.MessageContent
}

func newFakeModel(replies ...any) *fakeModel {
	return &fakeModel{replies: replies}
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages)
	if m.calls >= len(m.replies) {
		return nil, errors.New("fake model: no reply scripted")
	}
	r := m.replies[m.calls]
	m.calls++
	switch v := r.(type) {
	case error:
		return nil, v
	case string:
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: v}}}, nil
	default:
		return &llms.ContentResponse{}, nil
	}
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// lastUserPrompt returns the text of the human message of the latest call.
func (m *fakeModel) lastUserPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return ""
	}
	for _, msg := range m.messages[len(m.messages)-1] {
		if msg.Role != schema.ChatMessageTypeHuman {
			continue
		}
		for _, part := range msg.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				return tc.Text
			}
		}
	}
	return ""
}

func testClient(m llms.Model) *Client {
	return NewClient(m, WithRateLimit(1000, 10), WithBackoff(0), WithMaxRetries(2))
}

var structureSources = []registry.Source{
	registry.FromOutput("optimized_cif_filepath"),
	registry.FromOutput("cif_filepath"),
	registry.FromRequest(registry.RequestStructure),
}

func testOperations() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name:        "calculate_energy_force",
			Description: "Compute energy and forces of a structure",
			Inputs:      []registry.Input{{Key: "structure", Required: true, Sources: structureSources}},
			Outputs:     []string{"energy_ev", "max_force_ev_ang"},
		},
		{
			Name:        "optimize_structure",
			Description: "Relax atomic positions",
			Inputs:      []registry.Input{{Key: "structure", Required: true, Sources: structureSources}},
			Outputs:     []string{"optimized_cif_filepath", "final_energy_ev"},
		},
		{
			Name:        "search_mof_db",
			Description: "Find a MOF structure by name or property",
			Inputs:      []registry.Input{{Key: "query", Required: true, Sources: []registry.Source{registry.FromRequest(registry.RequestText)}}},
			Outputs:     []string{"name", "cif_filepath"},
		},
	}
}

func reviewInput(req orchestrator.RunRequest, steps ...string) orchestrator.ReviewInput {
	return orchestrator.ReviewInput{Request: req, Steps: steps, Operations: testOperations()}
}
