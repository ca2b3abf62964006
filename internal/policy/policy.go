// Package policy decides whether agents may spawn, message, or use tools.
// Policies layer from four sources: the repo config file, user-level policy
// files, the cloud workspace policy, and built-in defaults.
package policy

import "strings"

// Source records where a decision came from.
type Source string

const (
	SourceRepo      Source = "repo"
	SourceLocal     Source = "local"
	SourceWorkspace Source = "workspace"
	SourceDefault   Source = "default"
)

// Policy is one rule, keyed by an agent name pattern. Patterns support
// exact names (case-insensitive), "prefix*", "*suffix" and "*".
type Policy struct {
	Name         string   `yaml:"name" json:"name"`
	AllowedTools []string `yaml:"allowedTools,omitempty" json:"allowedTools,omitempty"`
	CanSpawn     *bool    `yaml:"canSpawn,omitempty" json:"canSpawn,omitempty"`
	CanMessage   []string `yaml:"canMessage,omitempty" json:"canMessage,omitempty"`
	MaxSpawns    int      `yaml:"maxSpawns,omitempty" json:"maxSpawns,omitempty"`
	RateLimit    int      `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	CanBeSpawned *bool    `yaml:"canBeSpawned,omitempty" json:"canBeSpawned,omitempty"`
}

// Decision is the outcome of one gate check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	Source        Source `json:"policySource"`
	MatchedPolicy string `json:"matchedPolicy,omitempty"`
}

// MatchPattern implements the gate's pattern language. Exact comparison is
// case-insensitive; "*" matches anything.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, name) {
		return true
	}
	lname := strings.ToLower(name)
	lpat := strings.ToLower(pattern)
	if prefix, ok := strings.CutSuffix(lpat, "*"); ok {
		return strings.HasPrefix(lname, prefix)
	}
	if suffix, ok := strings.CutPrefix(lpat, "*"); ok {
		return strings.HasSuffix(lname, suffix)
	}
	return false
}

// findPolicy selects the rule for an agent: the first exact match wins,
// otherwise the first pattern match in declaration order.
func findPolicy(policies []Policy, agent string) (*Policy, bool) {
	for i := range policies {
		if !strings.ContainsRune(policies[i].Name, '*') && strings.EqualFold(policies[i].Name, agent) {
			return &policies[i], true
		}
	}
	for i := range policies {
		if MatchPattern(policies[i].Name, agent) {
			return &policies[i], true
		}
	}
	return nil, false
}

// matchAny reports whether name matches any of the patterns.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}

// strictDefault is applied when strict mode (or requireExplicitAgents) is on
// and no explicit policy matched: read-only tools, no spawning, messages
// only to a lead or coordinator.
var strictDefault = Policy{
	Name:         "*",
	AllowedTools: []string{"Read", "Grep", "Glob"},
	CanSpawn:     boolPtr(false),
	CanMessage:   []string{"Lead*", "Coordinator*"},
	CanBeSpawned: boolPtr(false),
}

func boolPtr(b bool) *bool { return &b }
