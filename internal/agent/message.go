package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the routing key of an envelope. The set is closed.
type MessageType int

const (
	// Security
	VulnerabilityDetected MessageType = iota
	ThreatAlert
	AccessRequest

	// Compliance
	PolicyViolation
	AuditRequest
	ComplianceCheck

	// Monitoring
	MetricsUpdate
	LogEvent
	AlertTriggered

	// Remediation
	IncidentReport
	PatchRequired
	RollbackRequest

	// Orchestration
	WorkflowStart
	DeploymentRequest
	ResourceAllocation

	numMessageTypes
)

// Domain groups message types by functional area.
type Domain string

const (
	DomainSecurity      Domain = "security"
	DomainCompliance    Domain = "compliance"
	DomainMonitoring    Domain = "monitoring"
	DomainRemediation   Domain = "remediation"
	DomainOrchestration Domain = "orchestration"
)

var messageTypeNames = [numMessageTypes]string{
	"VulnerabilityDetected",
	"ThreatAlert",
	"AccessRequest",
	"PolicyViolation",
	"AuditRequest",
	"ComplianceCheck",
	"MetricsUpdate",
	"LogEvent",
	"AlertTriggered",
	"IncidentReport",
	"PatchRequired",
	"RollbackRequest",
	"WorkflowStart",
	"DeploymentRequest",
	"ResourceAllocation",
}

var domains = [...]Domain{
	DomainSecurity,
	DomainCompliance,
	DomainMonitoring,
	DomainRemediation,
	DomainOrchestration,
}

// MessageTypes returns every message type in catalogue order.
func MessageTypes() []MessageType {
	out := make([]MessageType, 0, numMessageTypes)
	for t := MessageType(0); t < numMessageTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is part of the catalogue.
func (t MessageType) Valid() bool { return t >= 0 && t < numMessageTypes }

func (t MessageType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
	return messageTypeNames[t]
}

// Domain returns the functional area the type belongs to. Each domain holds
// three consecutive types.
func (t MessageType) Domain() Domain {
	if !t.Valid() {
		return ""
	}
	return domains[int(t)/3]
}

// ParseMessageType resolves a catalogue name.
func ParseMessageType(name string) (MessageType, error) {
	for i, n := range messageTypeNames {
		if n == name {
			return MessageType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid message type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// AgentMessage is the envelope exchanged between agents. Treat it as
// immutable; the bus hands every subscriber its own Clone.
type AgentMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      MessageType    `json:"message_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds an envelope stamped with a fresh id and the current time.
func NewMessage(from, to string, t MessageType, payload map[string]any) AgentMessage {
	return AgentMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the envelope.
func (m AgentMessage) Clone() AgentMessage {
	m.Payload = cloneMap(m.Payload)
	return m
}

// PayloadString returns the payload field key as a string, if present.
func (m AgentMessage) PayloadString(key string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	s, ok := m.Payload[key].(string)
	return s, ok
}

// AgentResponse is the synchronous result of ProcessMessage.
type AgentResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OK builds a successful response.
func OK(message string, data map[string]any) AgentResponse {
	return AgentResponse{Success: true, Message: message, Data: data, Timestamp: time.Now().UTC()}
}

// Fail builds a failed response for an expected, domain-level condition.
func Fail(message string) AgentResponse {
	return AgentResponse{Success: false, Message: message, Timestamp: time.Now().UTC()}
}

// Unsupported is the response for a message type the agent does not handle.
func Unsupported(agentName string) AgentResponse {
	if agentName == "" {
		return Fail("Unsupported message type")
	}
	return Fail("Unsupported message type for " + agentName)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}
