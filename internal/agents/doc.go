// Package agents provides the proposer, reviewer and report synthesizer
// adapters the orchestrator consumes.
//
// Two families are provided. The LLM-backed adapters (LLMProposer,
// LLMReviewer, LLMReporter) prompt a langchaingo llms.Model through a
// rate-limited, retrying Client and parse a JSON reply. The deterministic
// adapters (StaticProposer, RuleReviewer, MarkdownReporter) need no model
// and are used when llm.provider is "none" or a plan is given explicitly.
//
// Unparseable model output is reported as orchestrator.ErrMalformedOutput so
// the run ends with a configuration error instead of guessing.
package agents
