package coordinator

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WorkflowStatus is the lifecycle status recorded on a workflow definition.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "Pending"
	WorkflowRunning   WorkflowStatus = "Running"
	WorkflowCompleted WorkflowStatus = "Completed"
	WorkflowFailed    WorkflowStatus = "Failed"
	WorkflowCancelled WorkflowStatus = "Cancelled"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is a declarative record of intended multi-agent actions.
type Workflow struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Steps  []WorkflowStep `json:"steps" yaml:"steps"`
	Status WorkflowStatus `json:"status" yaml:"status"`
}

// WorkflowStep names an agent action. Dependencies hold the ids of steps this
// one waits on; nothing in this package consults them.
type WorkflowStep struct {
	AgentID      string            `json:"agent_id" yaml:"agent_id"`
	Action       string            `json:"action" yaml:"action"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	steps := make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		cp := s
		if s.Parameters != nil {
			cp.Parameters = make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				cp.Parameters[k] = v
			}
		}
		cp.Dependencies = append([]string(nil), s.Dependencies...)
		steps[i] = cp
	}
	w.Steps = steps
	return w
}

// Validate checks the fields required to record a workflow.
func (w Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if w.Status != "" && !w.Status.Valid() {
		return fmt.Errorf("workflow %s: unknown status %q", w.Name, w.Status)
	}
	for i, s := range w.Steps {
		if s.AgentID == "" || s.Action == "" {
			return fmt.Errorf("workflow %s: step %d needs agent_id and action", w.Name, i)
		}
	}
	return nil
}

// ParseWorkflow decodes a YAML workflow definition. A missing id is generated
// and a missing status defaults to Pending.
func ParseWorkflow(data []byte) (Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("parse workflow: %w", err)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WorkflowPending
	}
	if err := w.Validate(); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

// LoadWorkflowFile reads and parses a YAML workflow file.
func LoadWorkflowFile(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return ParseWorkflow(data)
}
