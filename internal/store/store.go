// Package store persists workflows, agent state snapshots, incidents and an
// envelope audit log in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/coordinator"
	"github.com/deadops/deadops/internal/state"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	s, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already opened handle. Any sqlite driver works.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWorkflow upserts a workflow definition keyed by its id.
func (s *Store) SaveWorkflow(ctx context.Context, w coordinator.Workflow) error {
	def, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", w.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO workflows (workflow_id, name, status, definition, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(workflow_id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		definition = excluded.definition,
		updated_at = excluded.updated_at
	`, w.ID, w.Name, string(w.Status), string(def), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	return nil
}

// ListWorkflows returns stored workflows, oldest first. status filters when non-empty.
func (s *Store) ListWorkflows(ctx context.Context, status coordinator.WorkflowStatus) ([]coordinator.Workflow, error) {
	query := `SELECT definition FROM workflows WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coordinator.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var w coordinator.Workflow
		if err := json.Unmarshal([]byte(def), &w); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Persist writes agent states and incidents from a state snapshot.
// It satisfies state.Sink.
func (s *Store) Persist(ctx context.Context, snap state.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for id, a := range snap.Agents {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_states (agent_id, status, last_heartbeat, messages_processed, errors, uptime_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			messages_processed = excluded.messages_processed,
			errors = excluded.errors,
			uptime_seconds = excluded.uptime_seconds,
			updated_at = excluded.updated_at
		`, id, a.Status, a.LastHeartbeat, int64(a.Metrics.MessagesProcessed), int64(a.Metrics.Errors), int64(a.Metrics.UptimeSeconds), snap.LastUpdated)
		if err != nil {
			return fmt.Errorf("save agent state %s: %w", id, err)
		}
	}
	for _, inc := range snap.Incidents {
		if err := upsertIncident(ctx, tx, inc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddIncident stores a single incident.
func (s *Store) AddIncident(ctx context.Context, inc state.Incident) error {
	return upsertIncident(ctx, s.db, inc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertIncident(ctx context.Context, db execer, inc state.Incident) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO incidents (incident_id, severity, description, status, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(incident_id) DO UPDATE SET
		severity = excluded.severity,
		description = excluded.description,
		status = excluded.status,
		resolved_at = excluded.resolved_at
	`, inc.ID, inc.Severity, inc.Description, string(inc.Status), inc.CreatedAt, inc.ResolvedAt)
	if err != nil {
		return fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	return nil
}

// ListIncidents returns incidents, newest first. openOnly keeps Open and InProgress.
func (s *Store) ListIncidents(ctx context.Context, openOnly bool) ([]state.Incident, error) {
	query := `SELECT incident_id, severity, description, status, created_at, resolved_at FROM incidents`
	if openOnly {
		query += ` WHERE status IN ('Open', 'InProgress')`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Incident
	for rows.Next() {
		var (
			inc      state.Incident
			status   string
			resolved sql.NullTime
		)
		if err := rows.Scan(&inc.ID, &inc.Severity, &inc.Description, &status, &inc.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		inc.Status = state.IncidentStatus(status)
		if resolved.Valid {
			t := resolved.Time
			inc.ResolvedAt = &t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ListAgentStates returns the last persisted state for every agent.
func (s *Store) ListAgentStates(ctx context.Context) ([]state.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, status, last_heartbeat, messages_processed, errors, uptime_seconds FROM agent_states ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.AgentState
	for rows.Next() {
		var (
			a         state.AgentState
			heartbeat sql.NullTime
			processed int64
			errCount  int64
			uptime    int64
		)
		if err := rows.Scan(&a.ID, &a.Status, &heartbeat, &processed, &errCount, &uptime); err != nil {
			return nil, err
		}
		if heartbeat.Valid {
			a.LastHeartbeat = heartbeat.Time
		}
		a.Metrics = state.AgentMetrics{
			MessagesProcessed: uint64(processed),
			Errors:            uint64(errCount),
			UptimeSeconds:     uint64(uptime),
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordMessage appends an envelope to the audit log. Its signature fits bus.Tap;
// failures are logged and dropped.
func (s *Store) RecordMessage(msg agent.AgentMessage) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		slog.Warn("Audit payload not encodable", "id", msg.ID, "error", err)
		payload = []byte("{}")
	}
	_, err = s.db.Exec(`
	INSERT INTO messages (message_id, sender, recipient, message_type, payload, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.From, msg.To, msg.Type.String(), string(payload), msg.Timestamp)
	if err != nil {
		slog.Warn("Audit write failed", "id", msg.ID, "type", msg.Type, "error", err)
	}
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	Type  string
	Limit int
}

// AuditEntry is one stored envelope.
type AuditEntry struct {
	ID        int64          `json:"id"`
	MessageID string         `json:"message_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"message_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// ListMessages returns audit entries, newest first.
func (s *Store) ListMessages(ctx context.Context, filter MessageFilter) ([]AuditEntry, error) {
	query := `SELECT id, message_id, sender, recipient, message_type, payload, timestamp FROM messages WHERE 1=1`
	args := []interface{}{}
	if filter.Type != "" {
		query += " AND message_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.From, &e.To, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
