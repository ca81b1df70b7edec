package container

import (
	"maps"
	"strings"
)

// ExecutionState is the lifecycle phase of a managed container. NoContainer,
// Pulling, Error and Unknown are never reported by the engine.
type ExecutionState string

const (
	StateUnknown     ExecutionState = "unknown"
	StateNoContainer ExecutionState = "no-container"
	StateError       ExecutionState = "error"
	StatePulling     ExecutionState = "pulling"
	StateCreated     ExecutionState = "created"
	StateExited      ExecutionState = "exited"
	StateStarting    ExecutionState = "starting"
	StateRestarting  ExecutionState = "restarting"
	StateRunning     ExecutionState = "running"
	StateDead        ExecutionState = "dead"
	StatePaused      ExecutionState = "paused"
	StateStopping    ExecutionState = "stopping"
)

var executionStates = []ExecutionState{
	StateUnknown, StateNoContainer, StateError, StatePulling,
	StateCreated, StateExited, StateStarting, StateRestarting,
	StateRunning, StateDead, StatePaused, StateStopping,
}

// ParseExecutionState maps an id to its state. Unrecognized ids, including
// engine statuses this package does not know, map to StateError.
func ParseExecutionState(s string) ExecutionState {
	for _, st := range executionStates {
		if string(st) == s {
			return st
		}
	}
	return StateError
}

const (
	imageNone    = "none"
	imageUnknown = "unknown"
)

// ContainerState is an immutable snapshot of a managed container.
type ContainerState struct {
	ExecutionState     ExecutionState    `json:"executionState"`
	StartedAt          string            `json:"startedAt,omitempty"` // only while running
	RunningImage       string            `json:"runningImage"`
	RunningImageTag    string            `json:"runningImageTag"`
	ConfiguredImage    string            `json:"configuredImage"`
	ConfiguredImageTag string            `json:"configuredImageTag"`
	AppProperties      map[string]string `json:"appProperties"`
}

// Equal reports whether s and o describe the same state.
func (s ContainerState) Equal(o ContainerState) bool {
	return s.ExecutionState == o.ExecutionState &&
		s.StartedAt == o.StartedAt &&
		s.RunningImage == o.RunningImage &&
		s.RunningImageTag == o.RunningImageTag &&
		s.ConfiguredImage == o.ConfiguredImage &&
		s.ConfiguredImageTag == o.ConfiguredImageTag &&
		maps.Equal(s.AppProperties, o.AppProperties)
}

// with returns a copy of s in execution state e.
func (s ContainerState) with(e ExecutionState) ContainerState {
	s.ExecutionState = e
	if e != StateRunning {
		s.StartedAt = ""
	}
	s.AppProperties = maps.Clone(s.AppProperties)
	return s
}

// splitImageRef splits "image:tag". References that do not consist of
// exactly two colon separated parts yield the unknown sentinels.
func splitImageRef(ref string) (string, string) {
	parts := strings.Split(ref, ":")
	if len(parts) != 2 {
		return imageUnknown, imageUnknown
	}
	return parts[0], parts[1]
}

// splitDefaultImage splits a built-in default reference. A reference without
// a tag defaults to "latest".
func splitDefaultImage(ref string) (string, string) {
	image, tag, ok := strings.Cut(ref, ":")
	if !ok || tag == "" {
		return image, "latest"
	}
	return image, tag
}
