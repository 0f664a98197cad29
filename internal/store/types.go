package store

// Thread is one cached conversation.
type Thread struct {
	ThreadID           string
	PartnerID          string
	PartnerName        string
	PartnerAvatar      string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one cached message row.
type Message struct {
	ID          int64
	ThreadID    string
	MsgID       string
	SenderID    string
	Content     string
	MessageType string
	IsRead      bool
	Timestamp   int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
