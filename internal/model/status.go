package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProgramRunStatus is the lifecycle state of one program run.
type ProgramRunStatus string

const (
	StatusPending   ProgramRunStatus = "PENDING"
	StatusStarting  ProgramRunStatus = "STARTING"
	StatusRunning   ProgramRunStatus = "RUNNING"
	StatusSuspended ProgramRunStatus = "SUSPENDED"
	StatusResuming  ProgramRunStatus = "RESUMING"
	StatusStopping  ProgramRunStatus = "STOPPING"
	StatusCompleted ProgramRunStatus = "COMPLETED"
	StatusFailed    ProgramRunStatus = "FAILED"
	StatusKilled    ProgramRunStatus = "KILLED"
	StatusRejected  ProgramRunStatus = "REJECTED"
)

var knownStatuses = map[ProgramRunStatus]bool{
	StatusPending: true, StatusStarting: true, StatusRunning: true,
	StatusSuspended: true, StatusResuming: true, StatusStopping: true,
	StatusCompleted: true, StatusFailed: true, StatusKilled: true, StatusRejected: true,
}

// ParseProgramRunStatus validates a status string.
func ParseProgramRunStatus(s string) (ProgramRunStatus, error) {
	st := ProgramRunStatus(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown program run status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition can follow this status.
func (s ProgramRunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusRejected:
		return true
	}
	return false
}

// SystemNamespace is the reserved platform namespace.
const SystemNamespace = "system"

// RunIdentifier addresses one run of a program.
type RunIdentifier struct {
	Namespace   string `json:"namespace"`
	Application string `json:"application"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	Program     string `json:"program"`
	Run         string `json:"run"`
}

// ParseRunIdentifier decodes the JSON form carried in notification properties.
func ParseRunIdentifier(raw string) (RunIdentifier, error) {
	var id RunIdentifier
	if raw == "" {
		return id, errors.New("empty run identifier")
	}
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return id, fmt.Errorf("decode run identifier: %w", err)
	}
	if id.Run == "" || id.Program == "" || id.Namespace == "" {
		return id, fmt.Errorf("incomplete run identifier %q", raw)
	}
	return id, nil
}

// StartTimeMillis returns the timestamp embedded in a time-based run id.
func (r RunIdentifier) StartTimeMillis() (int64, error) {
	u, err := uuid.Parse(r.Run)
	if err != nil {
		return 0, fmt.Errorf("parse run id: %w", err)
	}
	if u.Version() != 1 {
		return 0, fmt.Errorf("run id %s is not time-based (version %d)", r.Run, u.Version())
	}
	sec, nsec := u.Time().UnixTime()
	return sec*1000 + nsec/int64(1e6), nil
}
