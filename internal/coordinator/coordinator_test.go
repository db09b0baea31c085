package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deadops/deadops/internal/agent"
)

type fakeAgent struct {
	mu       sync.Mutex
	name     string
	status   agent.Status
	startErr error
	stopErr  error
	procErr  error
	started  int
	handle   agent.MessageType
	handled  []agent.AgentMessage
	order    *[]string
}

func newFake(name string, order *[]string) *fakeAgent {
	return &fakeAgent{name: name, status: agent.Starting, order: order, handle: agent.DeploymentRequest}
}

func (f *fakeAgent) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.order != nil {
		*f.order = append(*f.order, f.name)
	}
	if f.startErr != nil {
		f.status = agent.Errored(f.startErr.Error())
		return f.startErr
	}
	f.status = agent.Running
	return nil
}

func (f *fakeAgent) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.status = agent.Stopped
	return nil
}

func (f *fakeAgent) Status() agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAgent) ProcessMessage(msg agent.AgentMessage) (agent.AgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, msg)
	if f.procErr != nil {
		return agent.AgentResponse{}, f.procErr
	}
	if msg.Type != f.handle {
		return agent.Unsupported(f.name), nil
	}
	return agent.OK("handled by "+f.name, nil), nil
}

func (f *fakeAgent) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

type memRecorder struct {
	saved []Workflow
	err   error
}

func (r *memRecorder) SaveWorkflow(ctx context.Context, w Workflow) error {
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, w)
	return nil
}

func TestStartAllAgentsHealthy(t *testing.T) {
	c := New(nil, nil)
	for _, id := range []string{"A", "B", "C"} {
		c.RegisterAgent(id, newFake(id, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	st := c.SystemStatus()
	if st.SystemHealth != 1.0 {
		t.Errorf("expected health 1.0, got %f", st.SystemHealth)
	}
	for _, id := range []string{"A", "B", "C"} {
		if !st.Agents[id].IsRunning() {
			t.Errorf("agent %s not running: %s", id, st.Agents[id])
		}
	}
}

func TestStartStopsAtFirstFailureInRegistrationOrder(t *testing.T) {
	var order []string
	a := newFake("A", &order)
	b := newFake("B", &order)
	b.startErr = errors.New("connection refused")
	cc := newFake("C", &order)

	c := New(nil, nil)
	c.RegisterAgent("A", a)
	c.RegisterAgent("B", b)
	c.RegisterAgent("C", cc)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("expected start failure")
	}
	var se *StartError
	if !errors.As(err, &se) || se.AgentID != "B" {
		t.Fatalf("expected StartError for B, got %v", err)
	}
	if !errors.Is(err, b.startErr) {
		t.Error("StartError should unwrap to the agent's error")
	}

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Errorf("unexpected start order %v", order)
	}
	if cc.started != 0 {
		t.Error("C must not be started after B fails")
	}

	st := c.SystemStatus()
	if st.Agents["C"].IsRunning() {
		t.Error("C reported Running although it was never started")
	}
	if !st.Agents["A"].IsRunning() {
		t.Error("A should stay running (no rollback)")
	}
	if st.SystemHealth != 1.0/3.0 {
		t.Errorf("expected health 1/3, got %f", st.SystemHealth)
	}
}

func TestRegisterDuplicateReplacesInPlace(t *testing.T) {
	var order []string
	c := New(nil, nil)
	first := newFake("first", &order)
	c.RegisterAgent("x", first)
	c.RegisterAgent("y", newFake("y", &order))
	second := newFake("second", &order)
	c.RegisterAgent("x", second)

	ids := c.AgentIDs()
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Fatalf("unexpected ids %v", ids)
	}
	got, _ := c.Agent("x")
	if got != second {
		t.Error("expected last registration to win")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if first.started != 0 {
		t.Error("replaced agent must not be started")
	}
	if order[0] != "second" {
		t.Errorf("expected replacement to keep position, order %v", order)
	}
}

func TestExecuteWorkflowRecordsWithoutRunning(t *testing.T) {
	rec := &memRecorder{}
	c := New(nil, rec)
	c.RegisterAgent("ci", newFake("ci", nil))

	w := Workflow{
		ID:   "wf-1",
		Name: "release",
		Steps: []WorkflowStep{
			{AgentID: "ci", Action: "build", Parameters: map[string]string{"job": "api"}},
			{AgentID: "ci", Action: "deploy", Dependencies: []string{"build"}},
		},
		Status: WorkflowPending,
	}
	if err := c.ExecuteWorkflow(context.Background(), w); err != nil {
		t.Fatalf("execute: %v", err)
	}

	st := c.SystemStatus()
	if st.ActiveWorkflows != 1 {
		t.Errorf("expected 1 workflow, got %d", st.ActiveWorkflows)
	}
	got := c.Workflows()
	if len(got) != 1 || got[0].Status != WorkflowPending {
		t.Fatalf("expected workflow recorded as Pending, got %+v", got)
	}
	if len(rec.saved) != 1 {
		t.Errorf("expected recorder to persist workflow")
	}

	a, _ := c.Agent("ci")
	if a.(*fakeAgent).handledCount() != 0 {
		t.Error("recording a workflow must not dispatch steps")
	}

	// Mutating the caller's copy must not leak into the record.
	w.Steps[0].Parameters["job"] = "changed"
	if c.Workflows()[0].Steps[0].Parameters["job"] != "api" {
		t.Error("recorded workflow shares memory with caller")
	}
}

func TestExecuteWorkflowRecorderError(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	c := New(nil, rec)
	err := c.ExecuteWorkflow(context.Background(), Workflow{ID: "w", Name: "n", Status: WorkflowRunning})
	if err == nil || !errors.Is(err, rec.err) {
		t.Fatalf("expected wrapped recorder error, got %v", err)
	}
	if len(c.Workflows()) != 1 {
		t.Error("workflow should still be recorded in memory")
	}
}

func TestSystemStatusWithoutAgents(t *testing.T) {
	c := New(nil, nil)
	st := c.SystemStatus()
	if st.SystemHealth != 0 {
		t.Errorf("expected zero health, got %f", st.SystemHealth)
	}
	if len(st.Agents) != 0 {
		t.Errorf("expected no agents")
	}
}

func TestDeliverDistinguishesFailureChannels(t *testing.T) {
	c := New(nil, nil)
	ci := newFake("ci", nil)
	broken := newFake("broken", nil)
	broken.procErr = errors.New("network down")
	c.RegisterAgent("ci", ci)
	c.RegisterAgent("broken", broken)

	ctx := context.Background()
	resp, err := c.Deliver(ctx, agent.NewMessage("cli", "ci", agent.AuditRequest, nil))
	if err != nil {
		t.Fatalf("unsupported type must not be an error: %v", err)
	}
	if resp.Success {
		t.Error("unsupported type must yield a failed response")
	}

	if _, err := c.Deliver(ctx, agent.NewMessage("cli", "broken", agent.DeploymentRequest, nil)); err == nil {
		t.Error("expected infrastructure error to be returned")
	}

	if _, err := c.Deliver(ctx, agent.NewMessage("cli", "nobody", agent.LogEvent, nil)); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}

	stats := c.Stats()
	if stats["ci"].MessagesProcessed != 1 || stats["broken"].Errors != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRouteDeliversBusEnvelopesToRecipient(t *testing.T) {
	c := New(nil, nil)
	ci := newFake("ci", nil)
	c.RegisterAgent("ci", ci)
	c.Route(agent.DeploymentRequest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.Bus().Publish(agent.NewMessage("ops", "ci", agent.DeploymentRequest, map[string]any{"job_name": "api"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ci.handledCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ci.handledCount() != 1 {
		t.Fatalf("expected routed delivery, got %d", ci.handledCount())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ci.Status() != agent.Stopped {
		t.Errorf("expected agent stopped, got %s", ci.Status())
	}
}

func TestStopJoinsErrors(t *testing.T) {
	c := New(nil, nil)
	a := newFake("a", nil)
	a.stopErr = errors.New("stuck")
	c.RegisterAgent("a", a)
	c.RegisterAgent("b", newFake("b", nil))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := c.Stop()
	if err == nil || !errors.Is(err, a.stopErr) {
		t.Fatalf("expected joined stop error, got %v", err)
	}
	if !c.Bus().Closed() {
		t.Error("bus should be closed after Stop")
	}
}

func TestStartAfterFailureSkipsStartedAgents(t *testing.T) {
	a := newFake("A", nil)
	b := newFake("B", nil)
	b.startErr = errors.New("connection refused")

	c := New(nil, nil)
	c.RegisterAgent("A", a)
	c.RegisterAgent("B", b)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}

	b.mu.Lock()
	b.startErr = nil
	b.mu.Unlock()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	defer c.Stop()

	if a.started != 1 {
		t.Errorf("A started %d times, want 1", a.started)
	}
	if b.started != 2 {
		t.Errorf("B started %d times, want 2", b.started)
	}
	if !c.SystemStatus().Agents["B"].IsRunning() {
		t.Error("B should be running after retry")
	}
}
