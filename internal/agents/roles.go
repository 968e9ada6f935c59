package agents

import (
	"errors"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

// Roles bundles the adapters a run needs.
type Roles struct {
	Proposer orchestrator.Proposer
	Reviewer orchestrator.Reviewer
	Reporter orchestrator.Synthesizer
	// Model is the configured model name, empty for deterministic roles.
	Model string
}

// RolesFromConfig builds model-backed roles when a provider is configured
// and deterministic ones otherwise. A non-empty plan replaces the proposer
// in both cases.
func RolesFromConfig(cfg config.LLMConfig, rules []KeywordRule, plan []string, logger *logging.Logger) (Roles, error) {
	var roles Roles

	client, err := NewClientFromConfig(cfg, logger)
	switch {
	case errors.Is(err, ErrNoProvider):
		roles = Roles{
			Proposer: KeywordProposer{Rules: rules},
			Reviewer: RuleReviewer{},
			Reporter: MarkdownReporter{},
		}
	case err != nil:
		return Roles{}, err
	default:
		roles = Roles{
			Proposer: NewLLMProposer(client),
			Reviewer: NewLLMReviewer(client),
			Reporter: NewLLMReporter(client),
			Model:    cfg.Model,
		}
	}

	if len(plan) > 0 {
		roles.Proposer = StaticProposer{Steps: plan}
	}
	return roles, nil
}
