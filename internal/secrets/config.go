package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces every detected secret.
const Redacted = "[REDACTED]"

// Rule defines a secret detection rule.
type Rule struct {
	// ID is the unique identifier for this rule
	ID string

	// Description explains what this rule detects
	Description string

	// Pattern is the regex pattern to match secrets
	Pattern string

	// Keywords gate the rule: at least one must appear (case-insensitive)
	// before the pattern is tried. Empty means always try.
	Keywords []string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []string
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		keywords := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			keywords[j] = strings.ToLower(kw)
		}
		compiled = append(compiled, compiledRule{Rule: rule, pattern: pattern, keywords: keywords})
	}
	return compiled, nil
}

func (r compiledRule) applies(lower string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DefaultRules returns the detection rules for credentials a run is likely
// to see: LLM provider keys, cloud and forge tokens, and inline passwords.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `\bsk-ant-[A-Za-z0-9_\-]{20,}`,
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`,
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}`,
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `\bgh[pousr]_[A-Za-z0-9]{36}`,
		},
		{
			ID:          "bearer-token",
			Description: "HTTP bearer token",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`,
			Keywords:    []string{"bearer"},
		},
		{
			ID:          "generic-credential",
			Description: "Credential assignment",
			Pattern:     `(?i)(?:api[_-]?key|apikey|access[_-]?token|secret|password|passwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords:    []string{"key", "token", "secret", "passw"},
		},
		{
			ID:          "url-credentials",
			Description: "Credentials embedded in a URL",
			Pattern:     `[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s:/@]+:[^\s@/]+@`,
			Keywords:    []string{"://"},
		},
		{
			ID:          "private-key",
			Description: "Private key",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
	}
}
