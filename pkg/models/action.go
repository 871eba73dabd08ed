package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Command is one opaque device operation inside a stage. The executor never
// interprets commands beyond passing them to the stage runner in order.
type Command struct {
	Op   string            `json:"op" yaml:"op"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Stage is one ordered sub-step of an action definition.
type Stage struct {
	Name             string        `json:"name" yaml:"name"`
	Commands         []Command     `json:"commands" yaml:"commands"`
	ExpectedDuration time.Duration `json:"expected_duration,omitempty" yaml:"expected_duration,omitempty"`
}

// stageYAML mirrors Stage for YAML decoding, carrying the duration as a
// human-readable string ("2s", "500ms").
type stageYAML struct {
	Name             string    `yaml:"name"`
	Commands         []Command `yaml:"commands"`
	ExpectedDuration string    `yaml:"expected_duration"`
}

// UnmarshalYAML decodes a stage, parsing expected_duration with
// time.ParseDuration.
func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	var raw stageYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Commands = raw.Commands
	if raw.ExpectedDuration != "" {
		d, err := time.ParseDuration(raw.ExpectedDuration)
		if err != nil {
			return fmt.Errorf("stage %q: bad expected_duration: %w", raw.Name, err)
		}
		s.ExpectedDuration = d
	}
	return nil
}

// ActionDefinition is a named, ordered sequence of stages. Definitions are
// owned by the caller; the executor reads them but never mutates them.
type ActionDefinition struct {
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`
}

// ExecutionState is the lifecycle state of one action execution.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionStopped   ExecutionState = "stopped"
	ExecutionFailed    ExecutionState = "failed"
)

// Terminal reports whether no further state transition can occur.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionStopped, ExecutionFailed:
		return true
	}
	return false
}

// ExecutionRecord is the progress snapshot of one action execution. The
// record is mutated only by its own execution task; everyone else receives
// copies.
type ExecutionRecord struct {
	ExecutionID       string            `json:"execution_id"`
	ProfileID         int               `json:"profile_id"`
	Action            *ActionDefinition `json:"action"`
	State             ExecutionState    `json:"state"`
	CurrentStageIndex int               `json:"current_stage_index"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
}
