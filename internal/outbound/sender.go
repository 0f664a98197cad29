// Package outbound sends text messages optimistically: the entry appears
// in the log immediately and is rolled back if the backend rejects it.
package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
	"go.uber.org/zap"
)

// Sender performs optimistic text sends against one message log.
type Sender struct {
	api    *rest.Client
	log    *msglog.Log
	bus    *bus.Bus
	logger *zap.Logger
	userID string
}

// New creates a sender bound to the user's message log.
func New(api *rest.Client, log *msglog.Log, b *bus.Bus, logger *zap.Logger, userID string) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		api:    api,
		log:    log,
		bus:    b,
		logger: logger,
		userID: userID,
	}
}

// Send appends an optimistic entry and persists the message. On rejection
// the entry is discarded and an alert is published; expired credentials
// get their own alert so the caller can prompt for a re-login. Returns the
// temp id of the in-flight entry.
func (s *Sender) Send(ctx context.Context, threadID, content string) (string, error) {
	tempID := msglog.NewTempID()
	s.log.AppendOptimistic(msglog.Message{
		TempID:    tempID,
		ThreadID:  threadID,
		SenderID:  s.userID,
		Content:   content,
		Kind:      msglog.KindText,
		CreatedAt: time.Now(),
	})

	if err := s.api.SendText(ctx, threadID, content, tempID); err != nil {
		s.log.Discard(tempID)
		s.logger.Warn("text send failed",
			zap.String("thread_id", threadID),
			zap.String("temp_id", tempID),
			zap.Error(err))

		var se *rest.StatusError
		if errors.As(err, &se) && se.Unauthorized() {
			s.bus.Alert("alert.auth_expired", "Session expired. Please log in again.")
		} else {
			s.bus.Alert("alert.send_failed", "Failed to send message. Please try again.")
		}
		return "", err
	}
	return tempID, nil
}
