// Package contentfilter screens message text against a configured term set.
package contentfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// Config configures the content filter.
type Config struct {
	// Terms are matched as case-insensitive substrings.
	Terms []string `yaml:"terms"`
	// Patterns are regular expressions compiled case-insensitively.
	Patterns []string `yaml:"patterns"`
	// Replacement is used by Redact for each match. Defaults to "***".
	Replacement string `yaml:"replacement"`
}

// Result is the outcome of scanning one text.
type Result struct {
	// Clean is true when no term or pattern matched.
	Clean bool `json:"clean"`
	// Matches lists the terms and pattern hits found, in match order.
	Matches []string `json:"matches,omitempty"`
}

// Filter scans text for configured terms and patterns. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	terms       []string
	patterns    []*regexp.Regexp
	replacement string
}

// New compiles the configured patterns and returns a filter.
func New(cfg Config) (*Filter, error) {
	terms := make([]string, 0, len(cfg.Terms))
	for _, term := range cfg.Terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			terms = append(terms, term)
		}
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, pattern := range cfg.Patterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("content filter pattern %q: %w", pattern, err)
		}
		patterns = append(patterns, re)
	}

	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "***"
	}

	return &Filter{terms: terms, patterns: patterns, replacement: replacement}, nil
}

// Scan returns the matches found in text. An empty match list means clean.
func (f *Filter) Scan(text string) Result {
	lower := strings.ToLower(text)

	var matches []string
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			matches = append(matches, term)
		}
	}
	for _, re := range f.patterns {
		if hit := re.FindString(text); hit != "" {
			matches = append(matches, hit)
		}
	}

	return Result{Clean: len(matches) == 0, Matches: matches}
}

// Redact replaces every term and pattern occurrence with the replacement.
func (f *Filter) Redact(text string) string {
	for _, term := range f.terms {
		text = replaceInsensitive(text, term, f.replacement)
	}
	for _, re := range f.patterns {
		text = re.ReplaceAllString(text, f.replacement)
	}
	return text
}

// replaceInsensitive replaces all case-insensitive occurrences of term.
func replaceInsensitive(text, term, replacement string) string {
	lower := strings.ToLower(text)
	term = strings.ToLower(term)

	var b strings.Builder
	for {
		idx := strings.Index(lower, term)
		if idx < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:idx])
		b.WriteString(replacement)
		text = text[idx+len(term):]
		lower = lower[idx+len(term):]
	}
}
