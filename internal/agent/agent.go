// Package agent defines the capability contract shared by every automation
// agent and the envelope types they exchange over the message bus.
package agent

import "fmt"

// Agent is implemented by every automation unit managed by the coordinator.
//
// Start moves the agent from Starting to Running and may launch background
// work before returning. A failed Start must leave the agent in a state that
// does not report Running. ProcessMessage handles a single envelope; message
// types the agent does not support produce a failed AgentResponse rather than
// an error. Errors are reserved for infrastructure failures.
type Agent interface {
	Start() error
	Stop() error
	Status() Status
	ProcessMessage(msg AgentMessage) (AgentResponse, error)
}

// StatusState enumerates the lifecycle states of an agent.
type StatusState int

const (
	StateStarting StatusState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s StatusState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("StatusState(%d)", int(s))
	}
}

// Status is the lifecycle status of an agent. Reason is only set for StateError.
type Status struct {
	State  StatusState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

var (
	Starting = Status{State: StateStarting}
	Running  = Status{State: StateRunning}
	Stopping = Status{State: StateStopping}
	Stopped  = Status{State: StateStopped}
)

// Errored returns an Error status carrying reason.
func Errored(reason string) Status {
	return Status{State: StateError, Reason: reason}
}

// IsRunning reports whether the status is Running.
func (s Status) IsRunning() bool { return s.State == StateRunning }

// String renders the status the way it is stored in state snapshots.
func (s Status) String() string {
	if s.State == StateError {
		return "Error: " + s.Reason
	}
	return s.State.String()
}
