package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/hedgebot/internal/events"
)

const (
	streamBuffer      = 100
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// streamMessage is what clients receive for every event
type streamMessage struct {
	Type      string           `json:"type"`
	Module    string           `json:"module,omitempty"`
	Timestamp string           `json:"timestamp"`
	Data      events.EventData `json:"data,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// EventsStreamHandler streams bus events over a websocket
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new event stream handler
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events. ?types=A,B limits the stream to those event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// clients only listen; CloseRead handles their control frames
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, streamBuffer)
	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}

	typesFilter := r.URL.Query().Get("types")
	var unsubscribe []func()
	if typesFilter == "" {
		unsubscribe = append(unsubscribe, h.bus.SubscribeAll(handler))
	} else {
		for _, t := range strings.Split(typesFilter, ",") {
			unsubscribe = append(unsubscribe, h.bus.Subscribe(events.EventType(strings.TrimSpace(t)), handler))
		}
	}
	defer func() {
		for _, u := range unsubscribe {
			u()
		}
	}()

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	if err := h.send(ctx, conn, streamMessage{Type: "connected", Message: "Connected to event stream"}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case event := <-eventChan:
			msg := streamMessage{
				Type:      string(event.Type),
				Module:    event.Module,
				Timestamp: event.Timestamp.Format(time.RFC3339),
				Data:      event.Data,
			}
			if err := h.send(ctx, conn, msg); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := h.send(ctx, conn, streamMessage{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func (h *EventsStreamHandler) send(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.log.Debug().Err(err).Msg("Failed to write event, closing stream")
		return err
	}
	return nil
}
