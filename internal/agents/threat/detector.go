// Package threat implements the threat detection agent: it matches log lines
// against detection rules and raises ThreatAlert envelopes for matches.
package threat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deadops/deadops/internal/agent"
)

const Name = "Threat Detector"

type ThreatType string

const (
	BruteForce         ThreatType = "BruteForce"
	DDoS               ThreatType = "DDoS"
	Malware            ThreatType = "Malware"
	Phishing           ThreatType = "Phishing"
	UnauthorizedAccess ThreatType = "UnauthorizedAccess"
	DataExfiltration   ThreatType = "DataExfiltration"
	InsiderThreat      ThreatType = "InsiderThreat"
)

type ThreatStatus string

const (
	ThreatActive        ThreatStatus = "Active"
	ThreatMitigated     ThreatStatus = "Mitigated"
	ThreatFalsePositive ThreatStatus = "FalsePositive"
	ThreatResolved      ThreatStatus = "Resolved"
)

// Threat is one detection result.
type Threat struct {
	ID             string       `json:"id"`
	Type           ThreatType   `json:"threat_type"`
	Severity       string       `json:"severity"`
	Description    string       `json:"description"`
	SourceIP       string       `json:"source_ip,omitempty"`
	TargetResource string       `json:"target_resource"`
	DetectedAt     time.Time    `json:"detected_at"`
	Status         ThreatStatus `json:"status"`
}

// Rule matches log lines that contain Pattern.
type Rule struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Pattern   string  `json:"pattern" yaml:"pattern"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// DefaultRules are the built-in detection rules.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "brute_force", Name: "Brute Force Detection", Pattern: "failed_login", Threshold: 5, Enabled: true},
		{ID: "ddos", Name: "DDoS Detection", Pattern: "high_request_rate", Threshold: 1000, Enabled: true},
	}
}

// Publisher is satisfied by *bus.MessageBus.
type Publisher interface {
	Publish(msg agent.AgentMessage) error
}

// Options configures a Detector.
type Options struct {
	ID    string
	Rules []Rule

	// AlertTo is the recipient of raised ThreatAlert envelopes.
	AlertTo string
	Bus     Publisher

	// MaxTracked bounds the threats kept in memory; the oldest are forgotten
	// first. Defaults to DefaultMaxTracked.
	MaxTracked int
}

// DefaultMaxTracked is the tracking window used when Options.MaxTracked is unset.
const DefaultMaxTracked = 1024

// ErrUnknownThreat is returned by Resolve for an id that is not tracked.
var ErrUnknownThreat = errors.New("unknown threat")

// Detector is the threat detection agent.
type Detector struct {
	id      string
	alertTo string
	bus     Publisher

	mu         sync.Mutex
	status     agent.Status
	rules      []Rule
	threats    map[string]Threat
	order      []string
	maxTracked int
}

func New(opts Options) *Detector {
	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	id := opts.ID
	if id == "" {
		id = "threat-detector"
	}
	limit := opts.MaxTracked
	if limit <= 0 {
		limit = DefaultMaxTracked
	}
	return &Detector{
		id:         id,
		alertTo:    opts.AlertTo,
		bus:        opts.Bus,
		status:     agent.Starting,
		rules:      append([]Rule(nil), rules...),
		threats:    make(map[string]Threat),
		maxTracked: limit,
	}
}

func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = agent.Running
	slog.Info("Threat detector started", "id", d.id, "rules", len(d.rules))
	return nil
}

func (d *Detector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = agent.Stopping
	d.status = agent.Stopped
	return nil
}

func (d *Detector) Status() agent.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Rules returns a copy of the configured rules.
func (d *Detector) Rules() []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Rule(nil), d.rules...)
}

// ActiveThreats returns the threats detected so far.
func (d *Detector) ActiveThreats() []Threat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Threat, 0, len(d.threats))
	for _, t := range d.threats {
		if t.Status == ThreatActive {
			out = append(out, t)
		}
	}
	return out
}

// Tracked returns the number of threats held in memory.
func (d *Detector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threats)
}

// Resolve moves a tracked threat out of ThreatActive and forgets it.
func (d *Detector) Resolve(id string, status ThreatStatus) error {
	if status == ThreatActive {
		return fmt.Errorf("resolve %s: status must not be %s", id, ThreatActive)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threats[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownThreat, id)
	}
	delete(d.threats, id)
	for i, tid := range d.order {
		if tid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	slog.Info("Threat resolved", "id", id, "type", t.Type, "status", status)
	return nil
}

func (d *Detector) track(t Threat) {
	d.threats[t.ID] = t
	d.order = append(d.order, t.ID)
	for len(d.order) > d.maxTracked {
		delete(d.threats, d.order[0])
		d.order[0] = ""
		d.order = d.order[1:]
	}
}

// AnalyzeLogs returns one threat per (line, enabled rule) match.
func (d *Detector) AnalyzeLogs(logs []string) []Threat {
	d.mu.Lock()
	defer d.mu.Unlock()

	var threats []Threat
	for _, line := range logs {
		for _, rule := range d.rules {
			if !rule.Enabled || !strings.Contains(line, rule.Pattern) {
				continue
			}
			t := Threat{
				ID:             uuid.NewString(),
				Type:           threatType(rule.ID),
				Severity:       "High",
				Description:    "Detected pattern: " + rule.Name,
				SourceIP:       extractIP(line),
				TargetResource: "unknown",
				DetectedAt:     time.Now().UTC(),
				Status:         ThreatActive,
			}
			d.track(t)
			threats = append(threats, t)
		}
	}
	return threats
}

func threatType(ruleID string) ThreatType {
	switch ruleID {
	case "brute_force":
		return BruteForce
	case "ddos":
		return DDoS
	}
	return UnauthorizedAccess
}

// extractIP returns the token following "IP:" up to the next space.
func extractIP(line string) string {
	i := strings.Index(line, "IP:")
	if i < 0 {
		return ""
	}
	rest := line[i+3:]
	if j := strings.IndexByte(rest, ' '); j >= 0 {
		return rest[:j]
	}
	return rest
}

// ProcessMessage handles ThreatAlert (analysis of attached logs) and LogEvent
// (analysis plus alert raising).
func (d *Detector) ProcessMessage(msg agent.AgentMessage) (agent.AgentResponse, error) {
	switch msg.Type {
	case agent.ThreatAlert:
		threats := d.AnalyzeLogs(logLines(msg.Payload))
		return agent.OK("Threat analysis completed", threatData(threats)), nil
	case agent.LogEvent:
		threats := d.AnalyzeLogs(logLines(msg.Payload))
		if err := d.raise(threats); err != nil {
			return agent.AgentResponse{}, err
		}
		return agent.OK(fmt.Sprintf("Analyzed log event, %d threat(s) detected", len(threats)), threatData(threats)), nil
	}
	return agent.Unsupported(Name), nil
}

func (d *Detector) raise(threats []Threat) error {
	if d.bus == nil {
		return nil
	}
	for _, t := range threats {
		payload := map[string]any{
			"threat_id":   t.ID,
			"threat_type": string(t.Type),
			"severity":    t.Severity,
			"description": t.Description,
			"source_ip":   t.SourceIP,
		}
		if err := d.bus.Publish(agent.NewMessage(d.id, d.alertTo, agent.ThreatAlert, payload)); err != nil {
			return fmt.Errorf("raise threat alert %s: %w", t.ID, err)
		}
		slog.Warn("Threat detected", "type", t.Type, "source_ip", t.SourceIP)
	}
	return nil
}

func logLines(payload map[string]any) []string {
	var lines []string
	if s, ok := payload["log"].(string); ok && s != "" {
		lines = append(lines, s)
	}
	switch v := payload["logs"].(type) {
	case []string:
		lines = append(lines, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				lines = append(lines, s)
			}
		}
	}
	return lines
}

func threatData(threats []Threat) map[string]any {
	if len(threats) == 0 {
		return nil
	}
	items := make([]any, 0, len(threats))
	for _, t := range threats {
		items = append(items, map[string]any{
			"id":          t.ID,
			"threat_type": string(t.Type),
			"severity":    t.Severity,
			"source_ip":   t.SourceIP,
		})
	}
	return map[string]any{"threats": items, "count": len(threats)}
}
