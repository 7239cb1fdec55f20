// Package displayname checks claimed display names against the names other
// identities already hold.
package displayname

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/xrash/smetrics"

	"registrar/pkg/domain"
	pstrings "registrar/pkg/platform/strings"
)

const (
	DefaultThreshold     = 0.85
	DefaultViolationsCap = 5

	// Jaro-Winkler prefix boost parameters.
	boostThreshold = 0.7
	prefixSize     = 4
)

// NameSource lists the display names held by identities, keyed by identity.
type NameSource interface {
	DisplayNames(ctx context.Context) (map[domain.IdentityID]string, error)
}

// Checker reports existing names that are too similar to a claimed one.
type Checker struct {
	source        NameSource
	threshold     float64
	violationsCap int
}

type Option func(*Checker)

// WithThreshold sets the similarity at or above which a name is a violation.
func WithThreshold(t float64) Option {
	return func(c *Checker) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithViolationsCap bounds how many violations are reported per check.
func WithViolationsCap(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.violationsCap = n
		}
	}
}

func NewChecker(source NameSource, opts ...Option) *Checker {
	c := &Checker{
		source:        source,
		threshold:     DefaultThreshold,
		violationsCap: DefaultViolationsCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type match struct {
	name  string
	score float64
}

// Check returns the names of other identities that resemble name, most similar
// first. An empty result means the name passes.
func (c *Checker) Check(ctx context.Context, id domain.IdentityID, name string) ([]string, error) {
	folded := pstrings.Fold(name)
	if folded == "" {
		return nil, fmt.Errorf("display name of %s is blank", id)
	}

	names, err := c.source.DisplayNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("load display names: %w", err)
	}

	var matches []match
	for owner, existing := range names {
		if owner == id {
			continue
		}
		other := pstrings.Fold(existing)
		if other == "" {
			continue
		}
		score := smetrics.JaroWinkler(folded, other, boostThreshold, prefixSize)
		if folded == other {
			score = 1
		}
		if score >= c.threshold {
			matches = append(matches, match{name: existing, score: score})
		}
	}

	slices.SortFunc(matches, func(a, b match) int {
		if a.score != b.score {
			return cmp.Compare(b.score, a.score)
		}
		return cmp.Compare(a.name, b.name)
	})

	violations := make([]string, 0, len(matches))
	for _, m := range matches {
		violations = append(violations, m.name)
	}
	violations = pstrings.DedupeFold(violations)
	if len(violations) > c.violationsCap {
		violations = violations[:c.violationsCap]
	}
	return violations, nil
}
