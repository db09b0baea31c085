// Package notify implements the operator notification agent. It renders
// alert, incident, threat and policy envelopes and posts them to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/deadops/deadops/internal/agent"
)

const Name = "Notifier"

// Poster is satisfied by *slack.Client.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// IncidentRecorder records incidents raised from IncidentReport envelopes.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, id, severity, description string) error
}

// Options configures a Notifier.
type Options struct {
	ID       string
	Channel  string
	Timeout  time.Duration
	Attempts int

	// Incidents receives IncidentReport envelopes when set.
	Incidents IncidentRecorder
}

// Notifier is the notification agent.
type Notifier struct {
	id     string
	poster Poster
	opts   Options

	mu     sync.Mutex
	status agent.Status
	sent   uint64

	// ctx bounds in-flight posts and retry waits; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSlackClient builds a Slack API client. An empty base uses the public API.
func NewSlackClient(token, base string) *slack.Client {
	if strings.TrimSpace(base) == "" {
		base = "https://slack.com/api/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return slack.New(token, slack.OptionAPIURL(base))
}

func New(poster Poster, opts Options) *Notifier {
	if opts.ID == "" {
		opts.ID = "notifier"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{id: opts.ID, poster: poster, opts: opts, status: agent.Starting, ctx: ctx, cancel: cancel}
}

func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.poster == nil || n.opts.Channel == "" {
		err := errors.New("slack poster and channel are required")
		n.status = agent.Errored(err.Error())
		return err
	}
	if n.ctx.Err() != nil {
		n.ctx, n.cancel = context.WithCancel(context.Background())
	}
	n.status = agent.Running
	slog.Info("Notifier started", "id", n.id, "channel", n.opts.Channel)
	return nil
}

// Stop cancels posts in flight, including rate-limit waits.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancel()
	n.status = agent.Stopped
	return nil
}

func (n *Notifier) Status() agent.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Sent returns the number of posted notifications.
func (n *Notifier) Sent() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *Notifier) ProcessMessage(msg agent.AgentMessage) (agent.AgentResponse, error) {
	switch msg.Type {
	case agent.AlertTriggered, agent.ThreatAlert, agent.PolicyViolation:
	case agent.IncidentReport:
		if err := n.recordIncident(msg); err != nil {
			return agent.AgentResponse{}, err
		}
	default:
		return agent.Unsupported(Name), nil
	}

	ts, err := n.post(Render(msg))
	if err != nil {
		return agent.AgentResponse{}, err
	}
	return agent.OK("Notification sent", map[string]any{"channel": n.opts.Channel, "ts": ts}), nil
}

func (n *Notifier) recordIncident(msg agent.AgentMessage) error {
	if n.opts.Incidents == nil {
		return nil
	}
	id, _ := msg.PayloadString("incident_id")
	if id == "" {
		id = msg.ID
	}
	severity, _ := msg.PayloadString("severity")
	desc, _ := msg.PayloadString("description")

	n.mu.Lock()
	base := n.ctx
	n.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, n.opts.Timeout)
	defer cancel()
	if err := n.opts.Incidents.RecordIncident(ctx, id, severity, desc); err != nil {
		return fmt.Errorf("record incident %s: %w", id, err)
	}
	return nil
}

func (n *Notifier) post(text string) (string, error) {
	n.mu.Lock()
	base := n.ctx
	n.mu.Unlock()

	var ts string
	err := withRetry(base, n.opts.Attempts, 200*time.Millisecond, func() (bool, error) {
		ctx, cancel := context.WithTimeout(base, n.opts.Timeout)
		defer cancel()
		_, stamp, err := n.poster.PostMessageContext(ctx, n.opts.Channel, slack.MsgOptionText(text, false))
		if err == nil {
			ts = stamp
		}
		return retryDecision(base, err)
	})
	if err != nil {
		return "", fmt.Errorf("post to %s: %w", n.opts.Channel, err)
	}
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return ts, nil
}

// retryDecision retries rate-limited calls after the advertised delay. A
// cancelled ctx ends the wait and is not retried.
func retryDecision(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		if werr := wait(ctx, rle.RetryAfter); werr != nil {
			return false, werr
		}
		return true, err
	}
	return false, err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		if err := wait(ctx, baseDelay*time.Duration(1<<i)); err != nil {
			return err
		}
	}
	return lastErr
}

var headlines = map[agent.MessageType]string{
	agent.AlertTriggered:  ":rotating_light: Alert",
	agent.ThreatAlert:     ":shield: Threat detected",
	agent.IncidentReport:  ":fire: Incident reported",
	agent.PolicyViolation: ":no_entry: Policy violation",
}

// Render formats msg as Slack mrkdwn text.
func Render(msg agent.AgentMessage) string {
	var b strings.Builder
	head, ok := headlines[msg.Type]
	if !ok {
		head = msg.Type.String()
	}
	b.WriteString("*" + head + "*")
	if sev, _ := msg.PayloadString("severity"); sev != "" {
		b.WriteString(" [" + strings.ToUpper(sev) + "]")
	}
	if msg.From != "" {
		b.WriteString(" from `" + msg.From + "`")
	}
	if desc, _ := msg.PayloadString("description"); desc != "" {
		b.WriteString("\n" + desc)
	}

	keys := make([]string, 0, len(msg.Payload))
	for k := range msg.Payload {
		if k == "severity" || k == "description" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %v", k, msg.Payload[k])
	}
	return b.String()
}
