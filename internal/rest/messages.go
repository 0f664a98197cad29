package rest

import (
	"context"
	"fmt"

	"github.com/courierapp/courier/internal/msglog"
)

// Messages fetches message history for a thread in server order. A limit
// of 0 fetches the server default window.
func (c *Client) Messages(ctx context.Context, threadID string, limit int) ([]msglog.Message, error) {
	path := "/chat/messages/" + threadID
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var msgs []msglog.Message
	if err := c.get(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendText persists a text message. The server echoes the tempId back on
// the confirming socket event so the optimistic entry can be reconciled.
func (c *Client) SendText(ctx context.Context, threadID, content, tempID string) error {
	body := map[string]string{
		"threadId":    threadID,
		"content":     content,
		"messageType": msglog.KindText,
		"tempId":      tempID,
	}
	return c.post(ctx, "/chat/send", body, nil)
}
