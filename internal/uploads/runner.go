package uploads

import (
	"context"
	"io"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
	"go.uber.org/zap"
)

// Runner performs a file send end to end: optimistic message entry,
// tracked multipart upload, and rollback when the upload fails. The
// confirming socket event later replaces the optimistic entry and clears
// the tracker via Complete.
type Runner struct {
	api     *rest.Client
	log     *msglog.Log
	tracker *Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	userID  string
}

// NewRunner creates a runner bound to one user's message log.
func NewRunner(api *rest.Client, log *msglog.Log, tracker *Tracker, b *bus.Bus, logger *zap.Logger, userID string) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		api:     api,
		log:     log,
		tracker: tracker,
		bus:     b,
		logger:  logger,
		userID:  userID,
	}
}

// Request describes one file to send.
type Request struct {
	ThreadID string
	Name     string
	Mime     string
	Size     int64
	Body     io.Reader
}

// Send uploads the file and returns the temp id of the optimistic entry.
// On failure the entry is rolled back and an alert is published.
func (r *Runner) Send(ctx context.Context, req Request) (string, error) {
	tempID := msglog.NewTempID()

	r.log.AppendOptimistic(msglog.Message{
		TempID:    tempID,
		ThreadID:  req.ThreadID,
		SenderID:  r.userID,
		Content:   req.Name,
		Kind:      msglog.KindFile,
		CreatedAt: time.Now(),
		File:      &msglog.FileInfo{Name: req.Name, Size: req.Size, Mime: req.Mime},
	})
	r.tracker.Begin(tempID)

	err := r.api.UploadFile(ctx, req.ThreadID, tempID, req.Name, req.Mime, req.Size, req.Body, func(pct int) {
		r.tracker.SetProgress(tempID, pct)
	})
	if err != nil {
		r.tracker.Fail(tempID)
		r.log.Discard(tempID)
		r.logger.Warn("file upload failed",
			zap.String("thread_id", req.ThreadID),
			zap.String("temp_id", tempID),
			zap.Error(err))
		r.bus.Alert("alert.upload_failed", "Failed to send file. Please try again.")
		return "", err
	}

	r.logger.Info("file uploaded",
		zap.String("thread_id", req.ThreadID),
		zap.String("temp_id", tempID),
		zap.Int64("size", req.Size))
	return tempID, nil
}
