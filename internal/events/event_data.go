package events

import (
	"encoding/json"
	"time"
)

// EventData is implemented by every event payload.
type EventData interface {
	EventType() EventType
}

// RunStatusData describes the start or end of a scheduler run.
type RunStatusData struct {
	RunID   string `json:"run_id"`
	Mode    string `json:"mode"`
	Pending int    `json:"pending"`
	Status  string `json:"status"` // "started", "finished", "aborted"
	Error   string `json:"error,omitempty"`
}

// EventType returns RunStarted or RunFinished depending on Status.
func (d *RunStatusData) EventType() EventType {
	if d.Status == "started" {
		return RunStarted
	}
	return RunFinished
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"` // "account" or "group"
	Label     string    `json:"label"`
	Addresses []string  `json:"addresses"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"` // "started", "completed", "failed"
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// ProgressData mirrors the store's progress counters.
type ProgressData struct {
	AccountsDone  int `json:"accounts_done"`
	AccountsTotal int `json:"accounts_total"`
	ModulesDone   int `json:"modules_done"`
	ModulesTotal  int `json:"modules_total"`
}

func (d *ProgressData) EventType() EventType {
	return ProgressUpdated
}

// BackupData describes a finished backup upload
type BackupData struct {
	Key       string  `json:"key"`
	SizeBytes int64   `json:"size_bytes"`
	Duration  float64 `json:"duration"`
	Deleted   int     `json:"deleted"`
}

func (d *BackupData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string         `json:"error"`
	Context map[string]any `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// UnmarshalJSON restores the typed payload from the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		e.Data = nil
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case RunStarted, RunFinished:
		eventData = &RunStatusData{}
	case JobStarted, JobCompleted, JobFailed:
		eventData = &JobStatusData{}
	case ProgressUpdated:
		eventData = &ProgressData{}
	case BackupCompleted:
		eventData = &BackupData{}
	default:
		eventData = &ErrorEventData{}
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}
