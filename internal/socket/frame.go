package socket

import "github.com/goccy/go-json"

// frame is the wire format of the event protocol. Client-to-server frames
// carry an event name, an optional payload and an optional ack id the
// server echoes back; server-to-client frames are either events or ack
// replies (ack id set, no event).
type frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// ackPayload is the body of an acknowledgment reply. A non-empty Error is
// a protocol-level failure for the acknowledged request.
type ackPayload struct {
	Error string `json:"error,omitempty"`
}

// Server-to-client event names.
const (
	EventNewMessage   = "new_message"
	EventMessage      = "message"
	EventTyping       = "typing"
	EventReadMessages = "readMessages"
	EventUserOnline   = "user-online"
	EventUserOffline  = "user-offline"
)

// Client-to-server signal names.
const (
	SignalJoinUser    = "joinUser"
	SignalJoinThread  = "joinThread"
	SignalLeaveThread = "leaveThread"
	SignalMarkAsRead  = "markAsRead"
	SignalTyping      = "typing"
)
