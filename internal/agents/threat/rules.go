package threat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads detection rules from a YAML file of the form
//
//	rules:
//	  - id: brute_force
//	    name: Brute Force Detection
//	    pattern: failed_login
//	    threshold: 5
//	    enabled: true
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: id and pattern are required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
	}
	return f.Rules, nil
}
