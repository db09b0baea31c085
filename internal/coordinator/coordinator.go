// Package coordinator owns the agent registry and message bus, drives agent
// startup and reports aggregated system status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/bus"
)

// ErrUnknownAgent is returned by Deliver when the addressed agent is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// StartError reports the agent whose Start failed.
type StartError struct {
	AgentID string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start agent %s: %v", e.AgentID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// WorkflowRecorder persists workflow definitions as they are recorded.
type WorkflowRecorder interface {
	SaveWorkflow(ctx context.Context, w Workflow) error
}

// SystemStatus is a fresh poll of every registered agent.
type SystemStatus struct {
	Agents          map[string]agent.Status `json:"agents"`
	ActiveWorkflows int                     `json:"active_workflows"`
	SystemHealth    float64                 `json:"system_health"`
}

// AgentStats are the per-agent counters kept for envelopes routed by the coordinator.
type AgentStats struct {
	MessagesProcessed uint64    `json:"messages_processed"`
	Errors            uint64    `json:"errors"`
	StartedAt         time.Time `json:"started_at,omitempty"`
}

// RouteBuffer is the capacity of the channel used by Route.
const RouteBuffer = 256

// SystemCoordinator owns registered agents exclusively. Register agents and
// routes before Start; the registry is guarded, but registering during Start
// leaves the set of started agents undefined.
type SystemCoordinator struct {
	mu        sync.RWMutex
	order     []string
	agents    map[string]agent.Agent
	stats     map[string]*AgentStats
	started   map[string]bool
	workflows []Workflow
	bus       *bus.MessageBus
	recorder  WorkflowRecorder

	routeCh   chan agent.AgentMessage
	routeSubs []*bus.Subscription

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator around b. A nil bus gets a default one; a nil
// recorder keeps workflows in memory only.
func New(b *bus.MessageBus, recorder WorkflowRecorder) *SystemCoordinator {
	if b == nil {
		b = bus.NewMessageBus()
	}
	return &SystemCoordinator{
		agents:   make(map[string]agent.Agent),
		stats:    make(map[string]*AgentStats),
		started:  make(map[string]bool),
		bus:      b,
		recorder: recorder,
	}
}

// Bus returns the coordinator's message bus.
func (c *SystemCoordinator) Bus() *bus.MessageBus { return c.bus }

// RegisterAgent adds a to the registry under id. A duplicate id silently
// replaces the earlier agent and keeps its original position.
func (c *SystemCoordinator) RegisterAgent(id string, a agent.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[id]; exists {
		slog.Warn("Agent re-registered, replacing previous instance", "id", id)
	} else {
		c.order = append(c.order, id)
	}
	c.agents[id] = a
	c.stats[id] = &AgentStats{}
	delete(c.started, id)
}

// Agent returns the agent registered under id.
func (c *SystemCoordinator) Agent(id string) (agent.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	return a, ok
}

// AgentIDs returns registered ids in registration order.
func (c *SystemCoordinator) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Route subscribes the coordinator to the given message types and, once
// started, hands each delivered envelope to the agent named in its To field.
func (c *SystemCoordinator) Route(types ...agent.MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.routeCh == nil {
		c.routeCh = make(chan agent.AgentMessage, RouteBuffer)
	}
	for _, t := range types {
		c.routeSubs = append(c.routeSubs, c.bus.Subscribe(t, c.routeCh))
	}
}

// Start starts every agent in registration order. The first failure is
// returned as a *StartError; later agents are not started and earlier ones
// are left running. A later Start skips agents that already started. On
// success the bus dispatch loop (and the router, when Route was used) run
// until ctx is cancelled or Stop is called.
func (c *SystemCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	for _, id := range c.order {
		if c.started[id] {
			continue
		}
		if err := c.agents[id].Start(); err != nil {
			slog.Error("Agent failed to start", "id", id, "error", err)
			return &StartError{AgentID: id, Err: err}
		}
		c.started[id] = true
		c.stats[id].StartedAt = time.Now()
		slog.Info("Started agent", "id", id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.bus.ProcessMessages(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Message bus loop exited", "error", err)
		}
	}()

	if c.routeCh != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.routeLoop(runCtx)
		}()
	}

	slog.Info("Coordinator started", "agents", len(c.order))
	return nil
}

func (c *SystemCoordinator) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.routeCh:
			if msg.To == "" {
				slog.Debug("Routed envelope has no recipient", "type", msg.Type, "from", msg.From)
				continue
			}
			resp, err := c.Deliver(ctx, msg)
			switch {
			case errors.Is(err, ErrUnknownAgent):
				slog.Debug("Routed envelope for unknown agent", "to", msg.To, "type", msg.Type)
			case err != nil:
				slog.Warn("Agent failed to process message", "to", msg.To, "type", msg.Type, "error", err)
			case !resp.Success:
				slog.Info("Agent declined message", "to", msg.To, "type", msg.Type, "reason", resp.Message)
			default:
				slog.Debug("Agent processed message", "to", msg.To, "type", msg.Type)
			}
		}
	}
}

// Deliver hands msg directly to the agent named in msg.To.
func (c *SystemCoordinator) Deliver(ctx context.Context, msg agent.AgentMessage) (agent.AgentResponse, error) {
	if err := ctx.Err(); err != nil {
		return agent.AgentResponse{}, err
	}
	c.mu.RLock()
	a, ok := c.agents[msg.To]
	stats := c.stats[msg.To]
	c.mu.RUnlock()
	if !ok {
		return agent.AgentResponse{}, fmt.Errorf("%w: %s", ErrUnknownAgent, msg.To)
	}

	resp, err := a.ProcessMessage(msg.Clone())

	c.mu.Lock()
	stats.MessagesProcessed++
	if err != nil {
		stats.Errors++
	}
	c.mu.Unlock()
	return resp, err
}

// Stats returns a copy of the per-agent counters.
func (c *SystemCoordinator) Stats() map[string]AgentStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]AgentStats, len(c.stats))
	for id, s := range c.stats {
		out[id] = *s
	}
	return out
}

// ExecuteWorkflow records w. No step is executed and the status is left as
// supplied; a configured recorder persists the definition.
func (c *SystemCoordinator) ExecuteWorkflow(ctx context.Context, w Workflow) error {
	c.mu.Lock()
	c.workflows = append(c.workflows, w.Clone())
	c.mu.Unlock()

	slog.Info("Workflow recorded", "id", w.ID, "name", w.Name, "steps", len(w.Steps))

	if c.recorder == nil {
		return nil
	}
	if err := c.recorder.SaveWorkflow(ctx, w); err != nil {
		return fmt.Errorf("persist workflow %s: %w", w.ID, err)
	}
	return nil
}

// Workflows returns copies of the recorded workflows in recording order.
func (c *SystemCoordinator) Workflows() []Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Workflow, len(c.workflows))
	for i, w := range c.workflows {
		out[i] = w.Clone()
	}
	return out
}

// SystemStatus polls every agent. Nothing is cached.
func (c *SystemCoordinator) SystemStatus() SystemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make(map[string]agent.Status, len(c.agents))
	running := 0
	for id, a := range c.agents {
		st := a.Status()
		statuses[id] = st
		if st.IsRunning() {
			running++
		}
	}

	health := 0.0
	if len(c.agents) > 0 {
		health = float64(running) / float64(len(c.agents))
	}
	return SystemStatus{
		Agents:          statuses,
		ActiveWorkflows: len(c.workflows),
		SystemHealth:    health,
	}
}

// Stop stops agents in reverse registration order, closes the bus and waits
// for the coordinator's goroutines. All agent stop errors are returned joined.
func (c *SystemCoordinator) Stop() error {
	c.mu.Lock()
	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		id := c.order[i]
		if err := c.agents[id].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", id, err))
			continue
		}
		slog.Info("Stopped agent", "id", id)
	}
	clear(c.started)
	for _, sub := range c.routeSubs {
		sub.Cancel()
	}
	c.routeSubs = nil
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	c.bus.Close()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return errors.Join(errs...)
}
