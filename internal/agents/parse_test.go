package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "fenced block",
			content: "Here is the plan:\n```json\n{\"status\": \"ready\"}\n```\nDone.",
			want:    `{"status": "ready"}`,
		},
		{
			name:    "bare fence",
			content: "```\n{\"a\": 1}\n```",
			want:    `{"a": 1}`,
		},
		{
			name:    "inline object",
			content: `Sure. {"approved": true, "feedback": "ok"} Hope that helps.`,
			want:    `{"approved": true, "feedback": "ok"}`,
		},
		{
			name:    "nested and braces in strings",
			content: `{"reason": "use {x} not }", "inner": {"k": "v"}} trailing`,
			want:    `{"reason": "use {x} not }", "inner": {"k": "v"}}`,
		},
		{
			name:    "escaped quote",
			content: `{"q": "say \"hi}\""}`,
			want:    `{"q": "say \"hi}\""}`,
		},
		{name: "no object", content: "I cannot help with that.", wantErr: true},
		{name: "unterminated", content: `{"status": "ready"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, orchestrator.ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeReply_BadJSON(t *testing.T) {
	var v struct{ A int }
	err := decodeReply(`{"A": "not a number"}`, &v)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrMalformedOutput)
}
