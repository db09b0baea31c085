package threat

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestLoadRules(t *testing.T) {
	path := writeRules(t, `
rules:
  - id: sqli
    name: SQL Injection
    pattern: "UNION SELECT"
    threshold: 1
    enabled: true
  - id: scan
    name: Port Scan
    pattern: port_scan
    enabled: false
`)
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 2 || rules[0].Pattern != "UNION SELECT" || rules[1].Enabled {
		t.Fatalf("unexpected rules %+v", rules)
	}

	d := New(Options{Rules: rules})
	found := d.AnalyzeLogs([]string{"GET /?q=1 UNION SELECT pw IP:10.0.0.9 ua", "port_scan IP:10.0.0.1"})
	if len(found) != 1 || found[0].SourceIP != "10.0.0.9" {
		t.Errorf("unexpected threats %+v", found)
	}
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing pattern": "rules:\n  - id: a\n",
		"duplicate id":    "rules:\n  - id: a\n    pattern: x\n  - id: a\n    pattern: y\n",
		"bad yaml":        "rules: [",
	}
	for name, body := range cases {
		if _, err := LoadRules(writeRules(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
