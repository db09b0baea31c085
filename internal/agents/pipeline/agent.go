// Package pipeline implements the CI pipeline agent. It triggers builds for
// deployment and workflow requests and polls job results in the background.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deadops/deadops/internal/agent"
)

const Name = "Jenkins Agent"

// Publisher is satisfied by *bus.MessageBus.
type Publisher interface {
	Publish(msg agent.AgentMessage) error
}

// Options configures an Agent.
type Options struct {
	ID             string
	PollInterval   time.Duration
	RequestTimeout time.Duration

	// EnabledJobs limits monitoring to these jobs. Empty monitors all.
	EnabledJobs []string

	// AlertTo receives AlertTriggered envelopes for failed builds.
	AlertTo string
	Bus     Publisher
}

// Agent is the CI pipeline agent.
type Agent struct {
	id      string
	client  BuildClient
	opts    Options
	enabled map[string]bool

	mu       sync.Mutex
	status   agent.Status
	jobs     map[string]Job
	reported map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(client BuildClient, opts Options) *Agent {
	if opts.ID == "" {
		opts.ID = "pipeline"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	a := &Agent{
		id:       opts.ID,
		client:   client,
		opts:     opts,
		status:   agent.Starting,
		jobs:     make(map[string]Job),
		reported: make(map[string]int),
	}
	if len(opts.EnabledJobs) > 0 {
		a.enabled = make(map[string]bool, len(opts.EnabledJobs))
		for _, j := range opts.EnabledJobs {
			a.enabled[j] = true
		}
	}
	return a
}

// Start marks the agent running and launches the job monitor. Stop cancels it.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		err := errors.New("no build client configured")
		a.status = agent.Errored(err.Error())
		return err
	}
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.status = agent.Running
	slog.Info("Pipeline agent started", "id", a.id, "poll", a.opts.PollInterval)

	go a.monitor(ctx, a.done)
	return nil
}

func (a *Agent) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.MonitorJobs(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Pipeline monitoring error", "id", a.id, "error", err)
			}
		}
	}
}

func (a *Agent) Stop() error {
	a.mu.Lock()
	a.status = agent.Stopping
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	a.mu.Lock()
	a.status = agent.Stopped
	a.mu.Unlock()
	return nil
}

func (a *Agent) Status() agent.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Jobs returns the last polled jobs.
func (a *Agent) Jobs() map[string]Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Job, len(a.jobs))
	for k, v := range a.jobs {
		out[k] = v
	}
	return out
}

// MonitorJobs polls the build server once, logs build results and raises an
// alert the first time a build is seen failing.
func (a *Agent) MonitorJobs(ctx context.Context) error {
	jobs, err := a.client.FetchJobs(ctx)
	if err != nil {
		return err
	}

	var failed []Job
	a.mu.Lock()
	for _, j := range jobs {
		if a.enabled != nil && !a.enabled[j.Name] {
			continue
		}
		a.jobs[j.Name] = j
		b := j.LastBuild
		if b == nil {
			continue
		}
		switch {
		case b.Building:
			slog.Info("Job is building", "job", j.Name, "build", b.Number)
		case b.Result == "SUCCESS":
			slog.Info("Job completed successfully", "job", j.Name, "build", b.Number)
		case b.Result == "FAILURE":
			slog.Warn("Job failed", "job", j.Name, "build", b.Number)
			if a.reported[j.Name] != b.Number {
				a.reported[j.Name] = b.Number
				failed = append(failed, j)
			}
		case b.Result == "UNSTABLE":
			slog.Warn("Job is unstable", "job", j.Name, "build", b.Number)
		case b.Result != "":
			slog.Info("Job has unknown result", "job", j.Name, "result", b.Result, "build", b.Number)
		}
	}
	a.mu.Unlock()

	if a.opts.Bus == nil {
		return nil
	}
	for _, j := range failed {
		msg := agent.NewMessage(a.id, a.opts.AlertTo, agent.AlertTriggered, map[string]any{
			"severity":    "high",
			"source":      "ci",
			"job_name":    j.Name,
			"build":       j.LastBuild.Number,
			"url":         j.LastBuild.URL,
			"description": fmt.Sprintf("Job %s failed (Build #%d)", j.Name, j.LastBuild.Number),
		})
		if err := a.opts.Bus.Publish(msg); err != nil {
			return fmt.Errorf("raise build alert: %w", err)
		}
	}
	return nil
}

// ProcessMessage triggers builds for DeploymentRequest (job_name) and
// WorkflowStart (pipeline_name). A missing field is a failed response; a
// build server error is returned.
func (a *Agent) ProcessMessage(msg agent.AgentMessage) (agent.AgentResponse, error) {
	switch msg.Type {
	case agent.DeploymentRequest:
		job, ok := msg.PayloadString("job_name")
		if !ok || job == "" {
			return agent.Fail("Missing job_name in deployment request"), nil
		}
		if err := a.trigger(job); err != nil {
			return agent.AgentResponse{}, err
		}
		return agent.OK("Build triggered for job: "+job, map[string]any{"job_name": job}), nil
	case agent.WorkflowStart:
		name, ok := msg.PayloadString("pipeline_name")
		if !ok || name == "" {
			return agent.Fail("Missing pipeline_name in workflow request"), nil
		}
		if err := a.trigger(name); err != nil {
			return agent.AgentResponse{}, err
		}
		return agent.OK("Pipeline triggered: "+name, map[string]any{"pipeline_name": name}), nil
	}
	return agent.Unsupported(Name), nil
}

func (a *Agent) trigger(job string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	defer cancel()
	return a.client.TriggerBuild(ctx, job)
}
