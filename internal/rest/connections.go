package rest

import (
	"context"
	"fmt"
)

// Connection request statuses that make a partner chat-eligible.
const (
	StatusAccepted  = "Accepted"
	StatusCompleted = "Completed"
)

// ConnectionRequest is one row of the connections API, as sent or received
// by the current user.
type ConnectionRequest struct {
	RequesterID    string `json:"requester_id"`
	RequesterName  string `json:"requester_name"`
	RequesterImage string `json:"requester_image"`
	ReceiverID     string `json:"receiver_id"`
	ReceiverName   string `json:"receiver_name"`
	ReceiverImage  string `json:"receiver_image"`
	Status         string `json:"status"`
}

// ChatEligible reports whether the request's status allows messaging.
func (r ConnectionRequest) ChatEligible() bool {
	return r.Status == StatusAccepted || r.Status == StatusCompleted
}

// Requests fetches the current user's sent and received connection requests.
func (c *Client) Requests(ctx context.Context) (sent, received []ConnectionRequest, err error) {
	var data struct {
		Sent     []ConnectionRequest `json:"sent_requests"`
		Received []ConnectionRequest `json:"received_requests"`
	}
	if err := c.get(ctx, "/user/requests", &data); err != nil {
		return nil, nil, err
	}
	return data.Sent, data.Received, nil
}

type threadData struct {
	ID string `json:"id"`
}

// ThreadByPartner resolves the existing thread id for a partner. Returns
// empty string without error when no thread exists yet.
func (c *Client) ThreadByPartner(ctx context.Context, partnerID string) (string, error) {
	var data threadData
	if err := c.get(ctx, "/chat/thread/"+partnerID, &data); err != nil {
		return "", err
	}
	return data.ID, nil
}

// CreateThread creates a thread with a partner and returns its id.
func (c *Client) CreateThread(ctx context.Context, partnerID string) (string, error) {
	var data threadData
	if err := c.post(ctx, "/chat/thread", map[string]string{"partnerId": partnerID}, &data); err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", fmt.Errorf("create thread for partner %s: empty thread id", partnerID)
	}
	return data.ID, nil
}
