// Package filter implements the per-subscription entry filter engine.
//
// A subscription carries at most one pattern, matched as a search against
// the entry title. The dialect supports inline modifiers like (?i) and
// negative lookahead, which is why this uses regexp2 instead of the
// stdlib RE2 engine.
package filter

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/maubot/rss/internal/model"
)

// matchTimeout bounds a single match so a pathological pattern cannot
// stall a poll cycle.
const matchTimeout = 100 * time.Millisecond

// Matcher evaluates a compiled subscription filter against entry titles.
// The zero-value semantics of an absent pattern are "include everything".
type Matcher struct {
	re *regexp2.Regexp
}

// Compile builds a Matcher from a subscription's filter pattern.
// An empty pattern yields a match-all Matcher.
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return &Matcher{}, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidFilter, err)
	}
	re.MatchTimeout = matchTimeout
	return &Matcher{re: re}, nil
}

// Validate checks whether a pattern compiles. Called before a filter is
// stored so subscription state never holds an unparsable pattern.
func Validate(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := Compile(pattern)
	return err
}

// Match reports whether the title should be included. The pattern is
// applied as an unanchored search over the full title.
func (m *Matcher) Match(title string) bool {
	if m.re == nil {
		return true
	}
	ok, err := m.re.MatchString(title)
	if err != nil {
		// Timeout. Treat as no match rather than blocking delivery.
		return false
	}
	return ok
}
