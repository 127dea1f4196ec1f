package events

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusData_EventType(t *testing.T) {
	tests := []struct {
		status string
		want   EventType
	}{
		{"started", JobStarted},
		{"completed", JobCompleted},
		{"failed", JobFailed},
		{"", JobStarted},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, (&JobStatusData{Status: tt.status}).EventType())
		})
	}
}

func TestEvent_JSONKeepsTypedData(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var got *Event
	bus.Subscribe(JobFailed, func(e *Event) { got = e })

	bus.Emit(JobFailed, "scheduler", &JobStatusData{JobID: "j1", Label: "acc-1", Status: "failed", Error: "boom"})
	require.NotNil(t, got)

	b, err := json.Marshal(got)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, JobFailed, decoded.Type)
	assert.Equal(t, "scheduler", decoded.Module)

	data, ok := decoded.Data.(*JobStatusData)
	require.True(t, ok)
	assert.Equal(t, "boom", data.Error)
	assert.Equal(t, "acc-1", data.Label)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	calls := 0
	unsubscribe := bus.Subscribe(ProgressUpdated, func(*Event) { calls++ })

	bus.Emit(ProgressUpdated, "store", &ProgressData{AccountsDone: 1})
	unsubscribe()
	bus.Emit(ProgressUpdated, "store", &ProgressData{AccountsDone: 2})

	assert.Equal(t, 1, calls)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var seen []EventType
	unsubscribe := bus.SubscribeAll(func(e *Event) { seen = append(seen, e.Type) })
	defer unsubscribe()

	bus.Emit(RunStarted, "scheduler", &RunStatusData{Status: "started"})
	bus.Emit(BackupCompleted, "reliability", &BackupData{Key: "k"})

	assert.Equal(t, []EventType{RunStarted, BackupCompleted}, seen)
}
