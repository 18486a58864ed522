// Package websocket provides the WebSocket hub that streams session events
// to browser clients and accepts their approval decisions.
package websocket

import (
	"time"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
)

// WSMessage represents a WebSocket message in either direction.
type WSMessage struct {
	Type    string       `json:"type"`
	Session string       `json:"session,omitempty"`
	Chunk   *agent.Chunk `json:"chunk,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Path    string       `json:"path,omitempty"`

	// approval_response fields
	Approved bool          `json:"approved,omitempty"`
	Context  agent.Context `json:"context,omitempty"`

	Time *time.Time `json:"time,omitempty"`
}

// BroadcastMessage wraps a message with its target session.
type BroadcastMessage struct {
	Session string
	Data    []byte
}

// Message types.
const (
	// client -> server
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypePing             = "ping"
	TypeApprovalResponse = "approval_response"
	TypeCancel           = "cancel"

	// server -> client
	TypePong   = "pong"
	TypeChunk  = "chunk"
	TypeDone   = "done"
	TypeError  = "error"
	TypeReload = "reload"
)

// Error codes sent with TypeError.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidState   = "INVALID_SESSION_STATE"
	CodeRunFailed      = "RUN_FAILED"
	CodeInternal       = "INTERNAL_ERROR"
)

// FromEvent converts a coordinator event to its wire form.
func FromEvent(sessionID string, ev coordinator.Event) WSMessage {
	msg := WSMessage{Session: sessionID}
	if !ev.Time.IsZero() {
		t := ev.Time
		msg.Time = &t
	}
	switch ev.Type {
	case coordinator.EventChunk:
		msg.Type = TypeChunk
		msg.Chunk = ev.Chunk
	case coordinator.EventDone:
		msg.Type = TypeDone
	case coordinator.EventError:
		msg.Type = TypeError
		msg.Code = CodeRunFailed
		msg.Message = ev.Error
	}
	return msg
}
