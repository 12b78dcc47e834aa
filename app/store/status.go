package store

import (
	"database/sql/driver"
	"fmt"
)

// JobStatus represents the lifecycle state of a prediction job.
// The set is closed: submitted -> running -> {completed, error}.
type JobStatus string

// job lifecycle states
const (
	StatusSubmitted JobStatus = "submitted"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
)

// ParseJobStatus converts a string to JobStatus, rejecting anything outside the closed set
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusSubmitted, StatusRunning, StatusCompleted, StatusError:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("invalid job status %q", s)
}

// String returns the string representation
func (js JobStatus) String() string { return string(js) }

// Terminal reports whether no further transitions are defined from this state
func (js JobStatus) Terminal() bool { return js == StatusCompleted || js == StatusError }

// CanTransition reports whether the edge js -> to is in the defined lifecycle.
// A running job may be updated without a state change, i.e. running -> running
// is legal and used for pure progress updates.
func (js JobStatus) CanTransition(to JobStatus) bool {
	switch js {
	case StatusSubmitted:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusRunning || to == StatusCompleted || to == StatusError
	}
	return false // terminal states have no outgoing edges
}

// MarshalText implements encoding.TextMarshaler
func (js JobStatus) MarshalText() ([]byte, error) { return []byte(js), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (js *JobStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*js = parsed
	return nil
}

// Scan implements sql.Scanner
func (js *JobStatus) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return js.UnmarshalText([]byte(v))
	case []byte:
		return js.UnmarshalText(v)
	}
	return fmt.Errorf("can't scan job status from %T", value)
}

// Value implements driver.Valuer
func (js JobStatus) Value() (driver.Value, error) { return string(js), nil }
