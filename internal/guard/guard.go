// Package guard enforces request limits in front of the memory engine.
// The engine validates shape (blank user, negative k); guard bounds size
// and decides which user identifiers an outer surface may act for.
package guard

import (
	"fmt"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy defines the limits applied to incoming requests.
type Policy struct {
	MaxUtteranceLength int      `json:"max_utterance_length" yaml:"max_utterance_length"`
	MaxTopK            int      `json:"max_top_k" yaml:"max_top_k"`
	MaxHistoryTurns    int      `json:"max_history_turns" yaml:"max_history_turns"`
	AllowedUserGlobs   []string `json:"allowed_user_globs" yaml:"allowed_user_globs"`
}

// DefaultPolicy provides safe defaults.
var DefaultPolicy = Policy{
	MaxUtteranceLength: 4000,
	MaxTopK:            50,
	MaxHistoryTurns:    40,
	AllowedUserGlobs:   []string{"*"},
}

// Violation represents a specific breach of policy.
type Violation struct {
	Rule    string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy %s: %s", v.Rule, v.Message)
}

// Guard enforces the policy.
type Guard struct {
	policy Policy
}

func New(p Policy) *Guard {
	return &Guard{policy: p}
}

// Policy returns the guard's current policy configuration.
func (g *Guard) Policy() Policy {
	return g.policy
}

// CheckUser verifies the user id matches one of the allowed globs.
// An empty glob list allows everyone.
func (g *Guard) CheckUser(userID string) *Violation {
	if len(g.policy.AllowedUserGlobs) == 0 {
		return nil
	}
	for _, pattern := range g.policy.AllowedUserGlobs {
		match, err := doublestar.Match(pattern, userID)
		if err == nil && match {
			return nil
		}
	}
	return &Violation{Rule: "allowed_user_globs", Message: "user not allowed: " + userID}
}

// CheckUtterance bounds the length of text in runes. Zero disables the limit.
func (g *Guard) CheckUtterance(text string) *Violation {
	max := g.policy.MaxUtteranceLength
	if max > 0 && utf8.RuneCountInString(text) > max {
		return &Violation{Rule: "max_utterance_length", Message: fmt.Sprintf("text longer than %d characters", max)}
	}
	return nil
}

// ClampTopK caps k at MaxTopK. Negative values are left for the engine to reject.
func (g *Guard) ClampTopK(k int) int {
	if max := g.policy.MaxTopK; max > 0 && k > max {
		return max
	}
	return k
}

// CheckHistory bounds how many prior turns a caller may pass inline.
func (g *Guard) CheckHistory(turns int) *Violation {
	max := g.policy.MaxHistoryTurns
	if max > 0 && turns > max {
		return &Violation{Rule: "max_history_turns", Message: fmt.Sprintf("more than %d history turns", max)}
	}
	return nil
}

// Check runs the user and utterance checks in order and returns the first
// violation as an error.
func (g *Guard) Check(userID, text string) error {
	if v := g.CheckUser(userID); v != nil {
		return v
	}
	if v := g.CheckUtterance(text); v != nil {
		return v
	}
	return nil
}
