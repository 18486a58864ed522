package coordinator

import (
	"time"

	"deckhand/internal/agent"
)

// EventType is the kind of event published for a session.
type EventType string

const (
	// EventChunk forwards a runtime chunk: content, or an approval request
	// that needs a human.
	EventChunk EventType = "chunk"
	// EventDone ends a session that completed or was cancelled.
	EventDone EventType = "done"
	// EventError ends a session whose run failed.
	EventError EventType = "error"
)

// Event is one item of a session's outbound stream. Every session ends with
// exactly one done or error event.
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	Chunk     *agent.Chunk `json:"chunk,omitempty"`
	Error     string       `json:"error,omitempty"`
	Time      time.Time    `json:"time"`
}

// Terminal reports whether the event ends its session.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Sink receives session events in publish order. Publish must not block for
// long; it is called from run goroutines.
type Sink interface {
	Publish(sessionID string, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sessionID string, ev Event)

// Publish implements Sink.
func (f SinkFunc) Publish(sessionID string, ev Event) { f(sessionID, ev) }

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(sessionID string, ev Event) {
	for _, s := range m {
		s.Publish(sessionID, ev)
	}
}

func chunkEvent(sessionID string, c agent.Chunk) Event {
	return Event{Type: EventChunk, SessionID: sessionID, Chunk: &c, Time: time.Now()}
}

func doneEvent(sessionID string) Event {
	return Event{Type: EventDone, SessionID: sessionID, Time: time.Now()}
}

func errorEvent(sessionID, msg string) Event {
	return Event{Type: EventError, SessionID: sessionID, Error: msg, Time: time.Now()}
}
