package domain

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a queued module.
//
// On disk it is a JSON string, except StatusTrue which older stores wrote as
// the boolean literal true.
type Status string

const (
	StatusToRun      Status = "to_run"
	StatusFailed     Status = "failed"
	StatusCloudflare Status = "cloudflare"
	StatusCompleted  Status = "completed"
	StatusTrue       Status = "true"
)

// Retryable reports whether a module in this status is reset to to_run when
// the store is loaded for a fresh run.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCloudflare
}

// TerminalSuccess reports whether the module is finished and must be removed.
func (s Status) TerminalSuccess() bool {
	return s == StatusCompleted || s == StatusTrue
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusToRun, StatusFailed, StatusCloudflare, StatusCompleted, StatusTrue:
		return true
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusTrue {
		return []byte("true"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if !b {
			return fmt.Errorf("unexpected status literal false")
		}
		*s = StatusTrue
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("invalid status %s: %w", string(data), err)
	}
	status := Status(str)
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", str)
	}
	*s = status
	return nil
}
