package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
)

func TestRolesFromConfig(t *testing.T) {
	t.Run("no provider uses deterministic roles", func(t *testing.T) {
		roles, err := RolesFromConfig(config.LLMConfig{Provider: "none"}, testRules, nil, logging.Nop())
		require.NoError(t, err)
		assert.IsType(t, KeywordProposer{}, roles.Proposer)
		assert.IsType(t, RuleReviewer{}, roles.Reviewer)
		assert.IsType(t, MarkdownReporter{}, roles.Reporter)
		assert.Empty(t, roles.Model)
	})

	t.Run("explicit plan replaces the proposer", func(t *testing.T) {
		roles, err := RolesFromConfig(config.LLMConfig{}, testRules, []string{"search_mof_db"}, logging.Nop())
		require.NoError(t, err)
		assert.Equal(t, StaticProposer{Steps: []string{"search_mof_db"}}, roles.Proposer)
	})

	t.Run("openai provider uses llm roles", func(t *testing.T) {
		cfg := config.LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			BaseURL:   "http://127.0.0.1:1/v1",
			RateLimit: 1,
		}
		roles, err := RolesFromConfig(cfg, testRules, nil, logging.Nop())
		require.NoError(t, err)
		assert.IsType(t, &LLMProposer{}, roles.Proposer)
		assert.IsType(t, &LLMReviewer{}, roles.Reviewer)
		assert.IsType(t, &LLMReporter{}, roles.Reporter)
		assert.Equal(t, "gpt-4o-mini", roles.Model)
	})

	t.Run("unknown provider fails", func(t *testing.T) {
		_, err := RolesFromConfig(config.LLMConfig{Provider: "palm"}, testRules, nil, logging.Nop())
		assert.Error(t, err)
	})
}
