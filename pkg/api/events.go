package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
)

// AllExecutionsStream carries the events of every execution
const AllExecutionsStream = "executions"

// EventStream publishes execution events as server-sent events. Clients
// read every execution from /api/v1/events, or one execution with
// ?execution_id=ID.
type EventStream struct {
	server *sse.Server
	logger logging.Logger
	seq    atomic.Uint64
}

// NewEventStream creates an EventStream
func NewEventStream(logger logging.Logger) *EventStream {
	server := sse.New()
	server.AutoReplay = false
	server.AutoStream = true
	server.CreateStream(AllExecutionsStream)
	return &EventStream{server: server, logger: logger}
}

// Publish sends an event to the all-executions stream and to the stream of
// its execution when anyone is subscribed to it
func (e *EventStream) Publish(event models.ExecutionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("Failed to encode execution event", logging.F("execution_id", event.ExecutionID), logging.Err(err))
		return
	}

	id := []byte(strconv.FormatUint(e.seq.Add(1), 10))
	e.server.Publish(AllExecutionsStream, &sse.Event{ID: id, Event: []byte(event.Type), Data: data})
	if event.ExecutionID != "" && e.server.StreamExists(event.ExecutionID) {
		e.server.Publish(event.ExecutionID, &sse.Event{ID: id, Event: []byte(event.Type), Data: data})
	}
}

// ServeHTTP subscribes the client to the requested stream
func (e *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("execution_id")
	if stream == "" {
		stream = AllExecutionsStream
	}

	r = r.Clone(r.Context())
	q := r.URL.Query()
	q.Set("stream", stream)
	r.URL.RawQuery = q.Encode()

	e.server.ServeHTTP(w, r)
}

// Close disconnects all subscribers
func (e *EventStream) Close() {
	e.server.Close()
}
