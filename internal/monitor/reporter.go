// Package monitor periodically copies live coordinator status into the
// telemetry state and raises an alert when system health degrades.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/coordinator"
	"github.com/deadops/deadops/internal/state"
)

// Source is satisfied by *coordinator.SystemCoordinator.
type Source interface {
	SystemStatus() coordinator.SystemStatus
	Stats() map[string]coordinator.AgentStats
}

// Target is satisfied by *state.SystemState.
type Target interface {
	UpdateAgentStates(states []state.AgentState)
	Metrics() state.SystemMetrics
}

// Publisher is satisfied by *bus.MessageBus.
type Publisher interface {
	Publish(msg agent.AgentMessage) error
}

type Config struct {
	Interval        time.Duration
	HealthThreshold float64
	ID              string
	AlertTo         string
}

// Reporter pushes agent snapshots into state on every tick, as one state
// mutation per tick.
type Reporter struct {
	cfg      Config
	source   Source
	target   Target
	bus      Publisher
	degraded bool
	now      func() time.Time
}

// NewReporter creates a reporter. bus may be nil to skip metrics and alert envelopes.
func NewReporter(cfg Config, source Source, target Target, bus Publisher) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = "monitor"
	}
	return &Reporter{cfg: cfg, source: source, target: target, bus: bus, now: time.Now}
}

// Run reports once immediately and then on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	slog.Info("Reporter started", "interval", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Report()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reporter stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report performs a single status poll.
func (r *Reporter) Report() {
	status := r.source.SystemStatus()
	stats := r.source.Stats()
	now := r.now().UTC()

	states := make([]state.AgentState, 0, len(status.Agents))
	for id, st := range status.Agents {
		s := stats[id]
		var uptime uint64
		if !s.StartedAt.IsZero() && st.IsRunning() {
			uptime = uint64(now.Sub(s.StartedAt) / time.Second)
		}
		states = append(states, state.AgentState{
			ID:            id,
			Status:        st.String(),
			LastHeartbeat: now,
			Metrics: state.AgentMetrics{
				MessagesProcessed: s.MessagesProcessed,
				Errors:            s.Errors,
				UptimeSeconds:     uptime,
			},
		})
	}
	r.target.UpdateAgentStates(states)

	m := r.target.Metrics()
	slog.Debug("System metrics", "agents", m.TotalAgents, "active", m.ActiveAgents, "health", m.SystemHealth, "open_incidents", m.OpenIncidents)
	if r.bus == nil {
		return
	}

	if err := r.bus.Publish(agent.NewMessage(r.cfg.ID, "", agent.MetricsUpdate, map[string]any{
		"total_agents":   m.TotalAgents,
		"active_agents":  m.ActiveAgents,
		"open_incidents": m.OpenIncidents,
		"system_health":  m.SystemHealth,
	})); err != nil {
		slog.Warn("Reporter: metrics publish failed", "error", err)
	}
	r.checkHealth(m)
}

// checkHealth raises one AlertTriggered when health drops below the
// threshold and rearms once it recovers.
func (r *Reporter) checkHealth(m state.SystemMetrics) {
	if r.cfg.HealthThreshold <= 0 || m.TotalAgents == 0 {
		return
	}
	below := m.SystemHealth < r.cfg.HealthThreshold
	if !below {
		r.degraded = false
		return
	}
	if r.degraded {
		return
	}
	r.degraded = true
	msg := agent.NewMessage(r.cfg.ID, r.cfg.AlertTo, agent.AlertTriggered, map[string]any{
		"severity":    "high",
		"source":      "monitor",
		"description": fmt.Sprintf("System health %.2f below threshold %.2f (%d/%d agents running)", m.SystemHealth, r.cfg.HealthThreshold, m.ActiveAgents, m.TotalAgents),
	})
	if err := r.bus.Publish(msg); err != nil {
		slog.Warn("Reporter: health alert publish failed", "error", err)
	}
}
