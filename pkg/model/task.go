package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTaskType is used when a TaskSpec does not name a type.
const DefaultTaskType = "exec"

// Task is one unit of executable work belonging to a Run.
type Task struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	ChangeSetID string         `json:"change_set_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type"`
	Command     string         `json:"command"`
	Arguments   []string       `json:"arguments"`
	Options     map[string]any `json:"options,omitempty"`
	Status      TaskStatus     `json:"status"`

	// AvgDuration is the estimated duration in seconds; nil when no
	// comparable task has completed yet.
	AvgDuration *float64 `json:"avg_duration,omitempty"`

	// RunnerID is an affinity hint until the task is claimed, then the
	// runner that claimed it.
	RunnerID   string `json:"runner_id,omitempty"`
	RunnerHost string `json:"runner_host,omitempty"`

	// Seq is the creation order, used as the claim tie-break.
	Seq int64 `json:"seq"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  *float64   `json:"duration,omitempty"`
	Cached    bool       `json:"cached"`
}

// Signature returns the tuple that defines task equivalence.
func (t *Task) Signature() Signature {
	return Signature{Type: t.Type, Command: t.Command, Arguments: t.Arguments, Options: t.Options}
}

// IsStarted reports whether the task is claimed and not yet finished.
func (t *Task) IsStarted() bool {
	return t.StartedAt != nil && t.EndedAt == nil
}

// Signature identifies equivalent tasks for duration estimates and affinity.
type Signature struct {
	Type      string         `json:"type"`
	Command   string         `json:"command"`
	Arguments []string       `json:"arguments"`
	Options   map[string]any `json:"options"`
}

// Key returns a stable digest of the signature. Map keys are encoded in
// sorted order, so two option sets with the same entries share a key.
// A nil argument list and an empty one are the same signature.
// It fails when an option value cannot be encoded as JSON.
func (s Signature) Key() (string, error) {
	c := s
	if c.Arguments == nil {
		c.Arguments = []string{}
	}
	if c.Options == nil {
		c.Options = map[string]any{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode signature of %q: %w", s.Command, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// TaskSpec describes a task to create in a batch.
type TaskSpec struct {
	Name      string         `json:"name,omitempty" yaml:"name"`
	Type      string         `json:"type,omitempty" yaml:"type"`
	Command   string         `json:"command" yaml:"command"`
	Arguments []string       `json:"arguments,omitempty" yaml:"arguments"`
	Options   map[string]any `json:"options,omitempty" yaml:"options"`
}

// Normalize fills defaults.
func (s *TaskSpec) Normalize() {
	if s.Type == "" {
		s.Type = DefaultTaskType
	}
	if s.Arguments == nil {
		s.Arguments = []string{}
	}
}

// Validate returns field errors for s, if any.
func (s *TaskSpec) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(s.Command) == "" {
		errs = append(errs, FieldError{Field: "command", Message: "command is required"})
	}
	if _, err := json.Marshal(s.Options); err != nil {
		errs = append(errs, FieldError{Field: "options", Message: "options must be JSON-encodable"})
	}
	return errs
}

// Signature returns the signature the created task will have.
func (s *TaskSpec) Signature() Signature {
	return Signature{Type: s.Type, Command: s.Command, Arguments: s.Arguments, Options: s.Options}
}

// ClaimResult is returned to a polling runner.
type ClaimResult struct {
	// Continue is false once no more work will ever be issued for the run.
	Continue bool  `json:"continue"`
	Task     *Task `json:"task"`
}
