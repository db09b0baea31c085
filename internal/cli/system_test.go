package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/config"
	"github.com/deadops/deadops/internal/state"
	"github.com/deadops/deadops/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "deadops.db")
	cfg.Monitor.Interval = 20 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSystemRoutesLogEventsAndRecordsAlerts(t *testing.T) {
	cfg := testConfig(t)
	sys, err := buildSystem(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ids := sys.coord.AgentIDs(); len(ids) != 1 || ids[0] != threatID {
		t.Fatalf("unexpected agents %v", ids)
	}
	if err := sys.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sys.stop()

	msg := agent.NewMessage("ingest", threatID, agent.LogEvent, map[string]any{
		"log": "auth failed_login user=root IP:10.1.1.1 port=22",
	})
	if err := sys.bus.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx := context.Background()
	waitFor(t, "threat alert in audit log", func() bool {
		entries, err := sys.store.ListMessages(ctx, store.MessageFilter{Type: "ThreatAlert"})
		return err == nil && len(entries) == 1 && entries[0].Payload["source_ip"] == "10.1.1.1"
	})
	waitFor(t, "reported agent state", func() bool {
		states, err := sys.store.ListAgentStates(ctx)
		if err != nil {
			return false
		}
		for _, s := range states {
			if s.ID == threatID && s.Status == state.ActiveStatus && s.Metrics.MessagesProcessed >= 1 {
				return true
			}
		}
		return false
	})
	if m := sys.state.Metrics(); m.SystemHealth != 1 {
		t.Errorf("expected full health, got %+v", m)
	}
}

func TestBuildSystemWiresOptionalAgents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false
	cfg.Monitor.Enabled = false
	cfg.Pipeline.Enabled = true
	cfg.Slack.Enabled = true
	cfg.Slack.Token = "xoxb-test"
	cfg.Slack.Channel = "#ops"

	sys, err := buildSystem(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer sys.close()

	want := []string{threatID, pipelineID, notifierID}
	got := sys.coord.AgentIDs()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if sys.store != nil || sys.reporter != nil || sys.bridge != nil {
		t.Error("disabled components must not be built")
	}
}

func TestBuildSystemRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Overflow = "spill"
	if _, err := buildSystem(cfg); err == nil {
		t.Error("expected error for unknown overflow policy")
	}

	cfg = testConfig(t)
	cfg.Threat.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := buildSystem(cfg); err == nil {
		t.Error("expected error for missing rules file")
	}

	cfg = testConfig(t)
	cfg.Store.Enabled = false
	cfg.Kafka.Enabled = true
	cfg.Kafka.Types = []string{"NotAType"}
	if _, err := buildSystem(cfg); err == nil {
		t.Error("expected error for unknown kafka type filter")
	}
}
