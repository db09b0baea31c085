package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestHealthFromRunningAgents(t *testing.T) {
	s := New()
	statuses := map[string]string{"a": "Running", "b": "Running", "c": "Running", "d": "Stopped"}
	for id, st := range statuses {
		s.UpdateAgentState(id, AgentState{ID: id, Status: st, LastHeartbeat: time.Now()})
	}

	m := s.Metrics()
	if m.TotalAgents != 4 {
		t.Errorf("expected 4 agents, got %d", m.TotalAgents)
	}
	if m.ActiveAgents != 3 {
		t.Errorf("expected 3 active agents, got %d", m.ActiveAgents)
	}
	if m.SystemHealth != 0.75 {
		t.Errorf("expected health 0.75, got %f", m.SystemHealth)
	}
}

func TestActiveIsExactStringMatch(t *testing.T) {
	s := New()
	s.UpdateAgentState("a", AgentState{ID: "a", Status: "running"})
	s.UpdateAgentState("b", AgentState{ID: "b", Status: "Error: Running out of memory"})
	if got := s.Metrics().ActiveAgents; got != 0 {
		t.Errorf("expected no active agents, got %d", got)
	}
}

func TestUpsertReplacesAgent(t *testing.T) {
	s := New()
	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})
	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Stopped"})
	m := s.Metrics()
	if m.TotalAgents != 1 || m.ActiveAgents != 0 || m.SystemHealth != 0 {
		t.Errorf("unexpected metrics after upsert: %+v", m)
	}
}

func TestOpenIncidentCount(t *testing.T) {
	s := New()
	s.AddIncident(Incident{ID: "1", Severity: "high", Status: IncidentOpen, CreatedAt: time.Now()})
	resolved := time.Now()
	s.AddIncident(Incident{ID: "2", Severity: "low", Status: IncidentResolved, CreatedAt: time.Now(), ResolvedAt: &resolved})

	if got := s.Metrics().OpenIncidents; got != 1 {
		t.Errorf("expected 1 open incident, got %d", got)
	}

	s.AddIncident(Incident{ID: "3", Status: IncidentInProgress})
	if got := s.Metrics().OpenIncidents; got != 2 {
		t.Errorf("in-progress incidents count as open, got %d", got)
	}
	if got := s.Metrics().SystemHealth; got != 0 {
		t.Errorf("health without agents must be 0, got %f", got)
	}
}

func TestMutationAdvancesLastUpdated(t *testing.T) {
	s := New()
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})
	first := s.LastUpdated()
	s.AddIncident(Incident{ID: "i", Status: IncidentOpen})
	if !s.LastUpdated().After(first) {
		t.Error("LastUpdated did not advance")
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	s := New()
	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})
	snap := s.Snapshot()
	snap.Agents["a"] = AgentState{ID: "a", Status: "Stopped"}
	snap.Agents["z"] = AgentState{ID: "z"}

	again := s.Snapshot()
	if again.Agents["a"].Status != "Running" || len(again.Agents) != 1 {
		t.Error("snapshot mutation leaked into state")
	}
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (r *recordingSink) Persist(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return r.err
}

func TestSinksReceiveConsistentSnapshots(t *testing.T) {
	good := &recordingSink{}
	failing := &recordingSink{err: errors.New("unavailable")}
	s := New(failing, good)

	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})
	s.AddIncident(Incident{ID: "i", Status: IncidentOpen})

	if len(good.snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(good.snaps))
	}
	last := good.snaps[1]
	if last.Metrics.OpenIncidents != 1 || last.Metrics.TotalAgents != 1 || len(last.Incidents) != 1 {
		t.Errorf("snapshot inconsistent with state: %+v", last.Metrics)
	}
	if len(failing.snaps) != 2 {
		t.Error("failing sink should still be called on every mutation")
	}
}

func TestConcurrentMutationsKeepMetricsConsistent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := "Stopped"
			if i%2 == 0 {
				status = "Running"
			}
			id := string(rune('a' + i%26))
			s.UpdateAgentState(id+status, AgentState{ID: id, Status: status})
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	active := 0
	for _, a := range snap.Agents {
		if a.Status == ActiveStatus {
			active++
		}
	}
	if snap.Metrics.ActiveAgents != active || snap.Metrics.TotalAgents != len(snap.Agents) {
		t.Errorf("metrics drifted: %+v vs %d/%d", snap.Metrics, active, len(snap.Agents))
	}
}

type fakeRedis struct {
	sets      map[string]any
	published map[string][]any
	setErr    error
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.sets[key] = value
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.published[channel] = append(f.published[channel], message)
	return redis.NewIntResult(1, nil)
}

func TestRedisSinkWritesSnapshotAndAnnounces(t *testing.T) {
	fr := &fakeRedis{sets: map[string]any{}, published: map[string][]any{}}
	sink := newRedisSink(fr, "", time.Minute)
	s := New(sink)
	s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})

	raw, ok := fr.sets["deadops:state:snapshot"].([]byte)
	if !ok {
		t.Fatalf("snapshot not stored: %v", fr.sets)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Metrics.SystemHealth != 1 {
		t.Errorf("unexpected stored metrics %+v", snap.Metrics)
	}
	if len(fr.published["deadops:state:updates"]) != 1 {
		t.Error("expected one update announcement")
	}
}

func TestRedisSinkSurfacesErrors(t *testing.T) {
	fr := &fakeRedis{sets: map[string]any{}, published: map[string][]any{}, setErr: errors.New("READONLY")}
	sink := newRedisSink(fr, "ops", 0)
	err := sink.Persist(context.Background(), Snapshot{})
	if err == nil || !errors.Is(err, fr.setErr) {
		t.Fatalf("expected wrapped set error, got %v", err)
	}
	if len(fr.published) != 0 {
		t.Error("must not announce when the snapshot write failed")
	}
}

func TestRecordIncidentOpensIncident(t *testing.T) {
	s := New()
	if err := s.RecordIncident(context.Background(), "inc-9", "high", "disk full"); err != nil {
		t.Fatalf("record: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Incidents) != 1 || snap.Incidents[0].Status != IncidentOpen || snap.Incidents[0].CreatedAt.IsZero() {
		t.Errorf("unexpected incidents %+v", snap.Incidents)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.RecordIncident(ctx, "inc-10", "low", ""); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// slowFirstSink stalls its first Persist so a concurrent mutation can race it.
type slowFirstSink struct {
	mu     sync.Mutex
	calls  int
	latest Snapshot
}

func (s *slowFirstSink) Persist(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		time.Sleep(100 * time.Millisecond)
	}
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
	return nil
}

func TestSinkEndsWithLatestSnapshot(t *testing.T) {
	sink := &slowFirstSink{}
	s := New(sink)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		s.UpdateAgentState("a", AgentState{ID: "a", Status: "Running"})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)
	s.UpdateAgentState("b", AgentState{ID: "b", Status: "Running"})
	wg.Wait()

	if got, want := sink.latest.Metrics.TotalAgents, s.Metrics().TotalAgents; got != want {
		t.Fatalf("sink holds stale snapshot: total=%d, state total=%d", got, want)
	}
}

func TestUpdateAgentStatesNotifiesOnce(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)
	s.UpdateAgentStates([]AgentState{
		{ID: "a", Status: "Running"},
		{ID: "b", Status: "Running"},
		{ID: "c", Status: "Stopped"},
	})
	s.UpdateAgentStates(nil)

	if len(sink.snaps) != 1 {
		t.Fatalf("expected one notification, got %d", len(sink.snaps))
	}
	if m := sink.snaps[0].Metrics; m.TotalAgents != 3 || m.ActiveAgents != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}
