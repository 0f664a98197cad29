package msglog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message kinds.
const (
	KindText = "text"
	KindFile = "file"
)

// FileInfo carries file metadata for file-kind messages.
type FileInfo struct {
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"type,omitempty"`
}

// Message is one entry in a thread's message log. The JSON tags are the
// backend wire shape, shared by the REST history endpoint and the socket
// "message"/"new_message" events.
//
// ID is server-assigned and absent while a send is in flight; TempID is
// client-assigned and present only until the server confirms the send. At
// most one entry per TempID ever exists in a Log.
type Message struct {
	ID        string    `json:"id,omitempty"`
	TempID    string    `json:"tempId,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Kind      string    `json:"message_type,omitempty"`
	Read      bool      `json:"is_read,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	File      *FileInfo `json:"fileInfo,omitempty"`
}

// Malformed reports whether the message lacks the fields required for
// display. Such payloads are dropped rather than inserted.
func (m Message) Malformed() bool {
	return m.Content == "" || m.SenderID == ""
}

// NewTempID returns a client-side temporary id for an in-flight send.
func NewTempID() string {
	return fmt.Sprintf("temp-%d", time.Now().UnixMilli())
}

func fallbackID() string {
	return "msg-" + uuid.NewString()
}
