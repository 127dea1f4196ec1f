// Package events is an in-process publish/subscribe bus for job lifecycle
// and progress events. The status API streams it to websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names an event.
type EventType string

const (
	RunStarted      EventType = "RUN_STARTED"
	RunFinished     EventType = "RUN_FINISHED"
	JobStarted      EventType = "JOB_STARTED"
	JobCompleted    EventType = "JOB_COMPLETED"
	JobFailed       EventType = "JOB_FAILED"
	ProgressUpdated EventType = "PROGRESS_UPDATED"
	BackupCompleted EventType = "BACKUP_COMPLETED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type the bus carries.
var AllTypes = []EventType{
	RunStarted, RunFinished, JobStarted, JobCompleted, JobFailed,
	ProgressUpdated, BackupCompleted, ErrorOccurred,
}

// Event is a published event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(*Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	log    zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]subscription),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for eventType. The returned func removes it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Emit publishes data under eventType.
func (b *Bus) Emit(eventType EventType, module string, data EventData) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[eventType]...)
	b.mu.RUnlock()

	b.log.Debug().Str("event_type", string(eventType)).Int("subscribers", len(subs)).Msg("Emitting event")
	for _, s := range subs {
		s.handler(event)
	}
}
