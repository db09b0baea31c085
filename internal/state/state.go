// Package state holds the operator-facing telemetry aggregate: point-in-time
// agent and workflow snapshots, incidents, and the metrics derived from them.
//
// Statuses are stored as plain strings so that reporters outside this process
// can feed state without depending on the live agent status type.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ActiveStatus is the status string counted as active for agents and workflows.
const ActiveStatus = "Running"

// AgentState is a reported snapshot of one agent.
type AgentState struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Metrics       AgentMetrics `json:"metrics"`
}

// AgentMetrics are counters reported alongside an agent snapshot.
type AgentMetrics struct {
	MessagesProcessed uint64 `json:"messages_processed"`
	Errors            uint64 `json:"errors"`
	UptimeSeconds     uint64 `json:"uptime_seconds"`
}

// WorkflowState is a reported snapshot of one workflow run.
type WorkflowState struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	CurrentStep *string    `json:"current_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IncidentStatus is the lifecycle of an incident.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "Open"
	IncidentInProgress IncidentStatus = "InProgress"
	IncidentResolved   IncidentStatus = "Resolved"
	IncidentClosed     IncidentStatus = "Closed"
)

// Valid reports whether s is a known incident status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentInProgress, IncidentResolved, IncidentClosed:
		return true
	}
	return false
}

// IsOpen reports whether the incident still needs attention.
func (s IncidentStatus) IsOpen() bool {
	return s == IncidentOpen || s == IncidentInProgress
}

// Incident is a reported operational problem. Nothing here resolves it.
type Incident struct {
	ID          string         `json:"id"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	Status      IncidentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// SystemMetrics are derived from the state maps and never patched incrementally.
type SystemMetrics struct {
	TotalAgents     int     `json:"total_agents"`
	ActiveAgents    int     `json:"active_agents"`
	TotalWorkflows  int     `json:"total_workflows"`
	ActiveWorkflows int     `json:"active_workflows"`
	OpenIncidents   int     `json:"open_incidents"`
	SystemHealth    float64 `json:"system_health"`
}

// Snapshot is a consistent, deep copy of the state.
type Snapshot struct {
	Agents      map[string]AgentState    `json:"agents"`
	Workflows   map[string]WorkflowState `json:"workflows"`
	Incidents   []Incident               `json:"incidents"`
	Metrics     SystemMetrics            `json:"metrics"`
	LastUpdated time.Time                `json:"last_updated"`
}

// Sink receives a snapshot after every mutation.
type Sink interface {
	Persist(ctx context.Context, snap Snapshot) error
}

// SystemState aggregates reported telemetry. Every mutator recomputes metrics
// and stamps LastUpdated under one lock so readers never see a half-applied
// change. Sinks see snapshots in mutation order.
type SystemState struct {
	// persistMu is held from mutation through sink notification.
	persistMu sync.Mutex

	mu          sync.RWMutex
	agents      map[string]AgentState
	workflows   map[string]WorkflowState
	incidents   []Incident
	metrics     SystemMetrics
	lastUpdated time.Time
	sinks       []Sink
	now         func() time.Time
}

// New creates an empty state. Sinks are notified after each mutation.
func New(sinks ...Sink) *SystemState {
	return &SystemState{
		agents:      make(map[string]AgentState),
		workflows:   make(map[string]WorkflowState),
		lastUpdated: time.Now().UTC(),
		sinks:       sinks,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// UpdateAgentState upserts the snapshot for id.
func (s *SystemState) UpdateAgentState(id string, st AgentState) {
	s.mutate(func() {
		s.agents[id] = st
	})
}

// UpdateAgentStates upserts several snapshots, keyed by their ID, as one
// mutation: metrics are recomputed and sinks notified once.
func (s *SystemState) UpdateAgentStates(states []AgentState) {
	if len(states) == 0 {
		return
	}
	s.mutate(func() {
		for _, st := range states {
			s.agents[st.ID] = st
		}
	})
}

// AddIncident appends inc.
func (s *SystemState) AddIncident(inc Incident) {
	s.mutate(func() {
		s.incidents = append(s.incidents, inc)
	})
}

// mutate applies fn, recomputes metrics and hands the resulting snapshot to
// the sinks before the next mutation can start.
func (s *SystemState) mutate(fn func()) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	fn()
	s.recompute()
	s.lastUpdated = s.now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// RecordIncident adds an Open incident stamped now.
func (s *SystemState) RecordIncident(ctx context.Context, id, severity, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.AddIncident(Incident{
		ID:          id,
		Severity:    severity,
		Description: description,
		Status:      IncidentOpen,
		CreatedAt:   s.now(),
	})
	return nil
}

// Metrics returns the current derived metrics.
func (s *SystemState) Metrics() SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// LastUpdated returns the time of the last mutation.
func (s *SystemState) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// Snapshot returns a deep copy of the whole state.
func (s *SystemState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *SystemState) recompute() {
	m := SystemMetrics{
		TotalAgents:    len(s.agents),
		TotalWorkflows: len(s.workflows),
	}
	for _, a := range s.agents {
		if a.Status == ActiveStatus {
			m.ActiveAgents++
		}
	}
	for _, w := range s.workflows {
		if w.Status == ActiveStatus {
			m.ActiveWorkflows++
		}
	}
	for _, inc := range s.incidents {
		if inc.Status.IsOpen() {
			m.OpenIncidents++
		}
	}
	if m.TotalAgents > 0 {
		m.SystemHealth = float64(m.ActiveAgents) / float64(m.TotalAgents)
	}
	s.metrics = m
}

func (s *SystemState) snapshotLocked() Snapshot {
	snap := Snapshot{
		Agents:      make(map[string]AgentState, len(s.agents)),
		Workflows:   make(map[string]WorkflowState, len(s.workflows)),
		Incidents:   append([]Incident(nil), s.incidents...),
		Metrics:     s.metrics,
		LastUpdated: s.lastUpdated,
	}
	for k, v := range s.agents {
		snap.Agents[k] = v
	}
	for k, v := range s.workflows {
		snap.Workflows[k] = v
	}
	return snap
}

func (s *SystemState) notify(snap Snapshot) {
	for _, sink := range s.sinks {
		if err := sink.Persist(context.Background(), snap); err != nil {
			slog.Warn("State sink failed", "error", err)
		}
	}
}
