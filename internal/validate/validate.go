// Package validate implements the Response Validator (spec §4.8): an
// ordered chain of rules applied to a generated post's text, any one of
// which can abort the pipeline with a terminal validation failure.
package validate

import (
	"context"
	"strings"
)

// Verdict is the outcome of one rule.
type Verdict int

const (
	Pass Verdict = iota
	Warn
	Fail
)

// RuleResult pairs a rule's name with its verdict and, for Warn/Fail, a
// human-readable reason.
type RuleResult struct {
	Rule   string
	Verdict Verdict
	Reason string
}

// Classifier scores text for unsafe content; the Content-safety rule fails
// when a score is strictly above NewChain's safetyThreshold. Concrete
// implementations are an external collaborator (spec §6); tests supply a
// fake.
type Classifier interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Rule is one step in the validator's ordered chain.
type Rule interface {
	Name() string
	Check(ctx context.Context, text string) (RuleResult, error)
}

// Chain runs an ordered list of Rules, stopping at the first Fail.
type Chain struct {
	rules []Rule
}

// NewChain builds the standard rule chain from spec §4.8, in the
// mandated order: length, content-safety, duplication, non-empty.
func NewChain(maxLen int, classifier Classifier, safetyThreshold float64, recentPublished []string) *Chain {
	return &Chain{rules: []Rule{
		lengthRule{maxLen: maxLen},
		contentSafetyRule{classifier: classifier, threshold: safetyThreshold},
		duplicationRule{recent: recentPublished},
		nonEmptyRule{},
	}}
}

// Run applies the rules in order and returns the result of every rule it
// applied; it stops after the first Fail, whose result is the last one in
// the slice (the pipeline aborts immediately on it).
func (c *Chain) Run(ctx context.Context, text string) ([]RuleResult, error) {
	results := make([]RuleResult, 0, len(c.rules))
	for _, rule := range c.rules {
		res, err := rule.Check(ctx, text)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Verdict == Fail {
			return results, nil
		}
	}
	return results, nil
}

// Failed reports whether any result in results is a Fail, and if so,
// which one.
func Failed(results []RuleResult) (RuleResult, bool) {
	for _, r := range results {
		if r.Verdict == Fail {
			return r, true
		}
	}
	return RuleResult{}, false
}

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

type lengthRule struct{ maxLen int }

func (lengthRule) Name() string { return "length" }

func (r lengthRule) Check(ctx context.Context, text string) (RuleResult, error) {
	normalized := strings.Join(strings.Fields(text), " ")
	if len(normalized) > r.maxLen {
		return RuleResult{Rule: r.Name(), Verdict: Fail, Reason: "exceeds max post length"}, nil
	}
	return RuleResult{Rule: r.Name(), Verdict: Pass}, nil
}

type contentSafetyRule struct {
	classifier Classifier
	threshold  float64
}

func (contentSafetyRule) Name() string { return "content_safety" }

func (r contentSafetyRule) Check(ctx context.Context, text string) (RuleResult, error) {
	if r.classifier == nil {
		return RuleResult{Rule: r.Name(), Verdict: Pass}, nil
	}
	score, err := r.classifier.Score(ctx, text)
	if err != nil {
		return RuleResult{}, err
	}
	if score > r.threshold {
		return RuleResult{Rule: r.Name(), Verdict: Fail, Reason: "content-safety classifier score above threshold"}, nil
	}
	return RuleResult{Rule: r.Name(), Verdict: Pass}, nil
}

type duplicationRule struct{ recent []string }

func (duplicationRule) Name() string { return "duplication" }

func (r duplicationRule) Check(ctx context.Context, text string) (RuleResult, error) {
	normalized := normalize(text)
	for _, prior := range r.recent {
		if normalize(prior) == normalized {
			return RuleResult{Rule: r.Name(), Verdict: Fail, Reason: "duplicates a recently published post"}, nil
		}
	}
	return RuleResult{Rule: r.Name(), Verdict: Pass}, nil
}

type nonEmptyRule struct{}

func (nonEmptyRule) Name() string { return "non_empty" }

func (nonEmptyRule) Check(ctx context.Context, text string) (RuleResult, error) {
	if strings.TrimSpace(text) == "" {
		return RuleResult{Rule: "non_empty", Verdict: Fail, Reason: "empty after trimming"}, nil
	}
	return RuleResult{Rule: "non_empty", Verdict: Pass}, nil
}
