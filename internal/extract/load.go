package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// RuleSet is the on-disk form of a rule file.
type RuleSet struct {
	Rules []*Rule `json:"rules" yaml:"rules"`
}

// LoadRules reads a rule file (JSON or YAML) and compiles its rules.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var set RuleSet
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON rules: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rule format: %s (use .json or .yaml)", ext)
	}

	for _, r := range set.Rules {
		if err := r.Compile(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return set.Rules, nil
}

// LoadRuleGlob loads every rule file matching the given doublestar patterns.
// Files are read in lexical order so rule priority is stable.
func LoadRuleGlob(patterns ...string) ([]*Rule, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("bad rule glob %q: %w", p, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}

	var rules []*Rule
	for _, f := range files {
		rs, err := LoadRules(f)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rs...)
	}
	return rules, nil
}
