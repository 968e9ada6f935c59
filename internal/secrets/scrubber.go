package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/config"
)

// Scrubber detects and redacts secrets. A nil *Scrubber redacts nothing.
type Scrubber struct {
	rules []compiledRule
	allow []*regexp.Regexp
}

// Finding is one detected secret. The matched value is never kept.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

// New builds a scrubber from the redaction config. It returns nil when
// redaction is disabled.
func New(cfg config.RedactionConfig) (*Scrubber, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return NewWithRules(DefaultRules(), cfg.AllowList)
}

// NewWithRules builds a scrubber from explicit rules. Matches that also
// match an allow-list pattern are kept.
func NewWithRules(rules []Rule, allowList []string) (*Scrubber, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	allow := make([]*regexp.Regexp, 0, len(allowList))
	for i, pattern := range allowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		allow = append(allow, re)
	}
	return &Scrubber{rules: compiled, allow: allow}, nil
}

// Find returns the secrets in content ordered by position, with
// overlapping matches merged.
func (s *Scrubber) Find(content string) []Finding {
	if s == nil || content == "" {
		return nil
	}
	lower := strings.ToLower(content)

	var found []Finding
	for _, rule := range s.rules {
		if !rule.applies(lower) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			found = append(found, Finding{RuleID: rule.ID, Start: m[0], End: m[1]})
		}
	}
	return merge(found)
}

// Redact replaces every secret in content with Redacted.
func (s *Scrubber) Redact(content string) string {
	found := s.Find(content)
	if len(found) == 0 {
		return content
	}
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, f := range found {
		b.WriteString(content[last:f.Start])
		b.WriteString(Redacted)
		last = f.End
	}
	b.WriteString(content[last:])
	return b.String()
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge sorts findings and folds overlapping ones into the first.
func merge(found []Finding) []Finding {
	if len(found) < 2 {
		return found
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})
	merged := []Finding{found[0]}
	for _, f := range found[1:] {
		last := &merged[len(merged)-1]
		if f.Start <= last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		merged = append(merged, f)
	}
	return merged
}
