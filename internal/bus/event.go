package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name. The daemon uses these namespaces:
// "session." (connection status), "directory." (partner list),
// "message." (message log), "thread." (active-thread lifecycle),
// "upload." (file transfer progress) and "alert." (user-facing errors).
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Alert is the payload for "alert.*" events. Text is suitable for direct
// display to the user.
type Alert struct {
	Text string
}
