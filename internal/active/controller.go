// Package active drives the currently open conversation: the thread
// switch sequence (resolve, leave, load, join, mark read), incoming event
// handling for the open thread, and the typing indicator debounce.
package active

import (
	"context"
	"sync"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/directory"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
	"github.com/courierapp/courier/internal/socket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// conn is the slice of the socket manager the controller uses.
type conn interface {
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) error
	Subscribe(event string, h socket.Handler) *socket.Subscription
}

// Switched is the payload for "thread.switched" events.
type Switched struct {
	PartnerID string `json:"partnerId"`
	ThreadID  string `json:"threadId"`
}

// Controller owns the active-thread state for one user session.
type Controller struct {
	api     *rest.Client
	sock    conn
	log     *msglog.Log
	dir     *directory.Directory
	tracker completer
	bus     *bus.Bus
	logger  *zap.Logger
	userID  string

	retryDelay     time.Duration
	typingDebounce time.Duration

	mu            sync.Mutex
	ctx           context.Context
	state         SwitchState
	activePartner string
	activeThread  string
	wantedPartner string
	typingTimer   *time.Timer
	subs          []*socket.Subscription
}

// completer is the slice of the upload tracker the controller needs.
type completer interface {
	Complete(tempID string)
}

// New creates a controller. Start must be called before Select.
func New(api *rest.Client, sock conn, log *msglog.Log, dir *directory.Directory, tracker completer, b *bus.Bus, logger *zap.Logger, userID string) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		api:            api,
		sock:           sock,
		log:            log,
		dir:            dir,
		tracker:        tracker,
		bus:            b,
		logger:         logger,
		userID:         userID,
		retryDelay:     2 * time.Second,
		typingDebounce: 2 * time.Second,
		state:          Idle,
	}
}

// Start registers the socket event handlers.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.subs = []*socket.Subscription{
		c.sock.Subscribe(socket.EventMessage, c.handleMessage),
		c.sock.Subscribe(socket.EventNewMessage, c.handleMessage),
		c.sock.Subscribe(socket.EventReadMessages, c.handleReadMessages),
		c.sock.Subscribe(socket.EventTyping, c.handleTyping),
		c.sock.Subscribe(socket.EventUserOnline, c.presenceHandler(true)),
		c.sock.Subscribe(socket.EventUserOffline, c.presenceHandler(false)),
	}
}

// Stop cancels the socket subscriptions, any pending typing timer, and
// abandons a wanted switch so its retries stop.
func (c *Controller) Stop() {
	for _, s := range c.subs {
		s.Cancel()
	}
	c.subs = nil

	c.mu.Lock()
	c.wantedPartner = ""
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
}

// Active returns the open conversation and the switch state.
func (c *Controller) Active() (partnerID, threadID string, state SwitchState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePartner, c.activeThread, c.state
}

// Select switches the open conversation to the given partner. The switch
// runs asynchronously; progress is visible through Active and the
// "thread." bus namespace. Selecting the partner that is already open or
// already being switched to is a no-op, and a newer Select supersedes
// both an in-flight switch and its retries.
func (c *Controller) Select(partnerID string) {
	c.mu.Lock()
	if partnerID == c.wantedPartner {
		// Open, in flight, or queued behind a retry timer. A second
		// sequence for the same partner would double the emissions.
		c.mu.Unlock()
		return
	}
	c.wantedPartner = partnerID
	ctx := c.ctx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go c.runSwitch(ctx, partnerID)
}

// superseded reports whether a newer Select replaced this switch.
func (c *Controller) superseded(partnerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantedPartner != partnerID
}

func (c *Controller) setState(to SwitchState) {
	c.mu.Lock()
	from := c.state
	if !switchAllowed(from, to) {
		c.mu.Unlock()
		c.logger.Error("invalid switch transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	c.state = to
	c.mu.Unlock()

	if from != to {
		c.bus.Emit("thread.switch_state", to)
	}
}

func (c *Controller) runSwitch(ctx context.Context, partnerID string) {
	if err := c.doSwitch(ctx, partnerID); err != nil {
		if c.superseded(partnerID) || ctx.Err() != nil {
			return
		}
		c.setState(Failed)
		c.logger.Warn("thread switch failed, scheduling retry",
			zap.String("partner_id", partnerID), zap.Error(err))
		c.bus.Emit("thread.switch_failed", partnerID)

		time.AfterFunc(c.retryDelay, func() {
			if c.superseded(partnerID) || ctx.Err() != nil {
				return
			}
			c.runSwitch(ctx, partnerID)
		})
	}
}

// doSwitch runs one full switch attempt. Every step checks for
// supersession so an abandoned switch stops touching shared state.
func (c *Controller) doSwitch(ctx context.Context, partnerID string) error {
	c.setState(Resolving)

	threadID, err := c.resolveThread(ctx, partnerID)
	if err != nil {
		return err
	}
	if c.superseded(partnerID) {
		return nil
	}

	c.setState(Leaving)
	c.mu.Lock()
	previous := c.activeThread
	c.mu.Unlock()
	if previous != "" && previous != threadID {
		// Leaving the old room is best effort: a failure must not block
		// the switch.
		if err := c.sock.EmitWithAck(ctx, socket.SignalLeaveThread, map[string]string{"threadId": previous}); err != nil {
			c.logger.Warn("leave thread not acknowledged",
				zap.String("thread_id", previous), zap.Error(err))
		}
	}
	if c.superseded(partnerID) {
		return nil
	}

	c.setState(Loading)
	c.log.Reset()
	msgs, err := c.api.Messages(ctx, threadID, 0)
	if err != nil {
		return err
	}
	if c.superseded(partnerID) {
		return nil
	}
	c.log.LoadHistory(threadID, msgs)

	c.setState(Joining)
	if err := c.sock.EmitWithAck(ctx, socket.SignalJoinThread, map[string]string{"threadId": threadID}); err != nil {
		return err
	}
	if c.superseded(partnerID) {
		return nil
	}

	c.mu.Lock()
	c.activePartner = partnerID
	c.activeThread = threadID
	c.mu.Unlock()
	c.setState(Ready)

	c.markAsRead(threadID)
	c.logger.Info("thread switched",
		zap.String("partner_id", partnerID), zap.String("thread_id", threadID))
	c.bus.Emit("thread.switched", Switched{PartnerID: partnerID, ThreadID: threadID})
	return nil
}

// resolveThread finds the thread for a partner, creating one when none
// exists yet.
func (c *Controller) resolveThread(ctx context.Context, partnerID string) (string, error) {
	if t, ok := c.dir.Find(partnerID); ok && t.ThreadID != "" {
		return t.ThreadID, nil
	}
	threadID, err := c.api.ThreadByPartner(ctx, partnerID)
	if err != nil {
		return "", err
	}
	if threadID == "" {
		threadID, err = c.api.CreateThread(ctx, partnerID)
		if err != nil {
			return "", err
		}
	}
	c.dir.AttachThread(partnerID, threadID)
	return threadID, nil
}

// RejoinActive re-enters the open thread after a reconnect and re-syncs
// its history.
func (c *Controller) RejoinActive(ctx context.Context) {
	c.mu.Lock()
	threadID := c.activeThread
	c.mu.Unlock()
	if threadID == "" {
		return
	}

	if err := c.sock.EmitWithAck(ctx, socket.SignalJoinThread, map[string]string{"threadId": threadID}); err != nil {
		c.logger.Warn("rejoin after reconnect failed",
			zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if msgs, err := c.api.Messages(ctx, threadID, 0); err == nil {
		c.log.LoadHistory(threadID, msgs)
	}
	c.markAsRead(threadID)
}

func (c *Controller) markAsRead(threadID string) {
	if err := c.sock.Emit(socket.SignalMarkAsRead, map[string]string{
		"threadId": threadID,
		"userId":   c.userID,
	}); err != nil {
		c.logger.Debug("mark as read not sent", zap.Error(err))
	}
	c.log.MarkAllRead()
}

// Typing reports local typing activity. The started indicator is
// debounced: it ends after the debounce window passes without another
// call, matching how fast typists expect the indicator to behave.
func (c *Controller) Typing() {
	c.mu.Lock()
	threadID := c.activeThread
	if threadID == "" {
		c.mu.Unlock()
		return
	}
	fresh := c.typingTimer == nil
	if fresh {
		c.typingTimer = time.AfterFunc(c.typingDebounce, func() { c.typingStopped(threadID) })
	} else {
		c.typingTimer.Reset(c.typingDebounce)
	}
	c.mu.Unlock()

	if fresh {
		_ = c.sock.Emit(socket.SignalTyping, typingPayload{ThreadID: threadID, UserID: c.userID, Typing: true})
	}
}

// StopTyping ends the typing indicator right away, for callers that know
// the input went empty instead of waiting out the debounce window.
func (c *Controller) StopTyping() {
	c.mu.Lock()
	threadID := c.activeThread
	pending := c.typingTimer != nil
	if pending {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	if pending && threadID != "" {
		_ = c.sock.Emit(socket.SignalTyping, typingPayload{ThreadID: threadID, UserID: c.userID, Typing: false})
	}
}

func (c *Controller) typingStopped(threadID string) {
	c.mu.Lock()
	c.typingTimer = nil
	c.mu.Unlock()
	_ = c.sock.Emit(socket.SignalTyping, typingPayload{ThreadID: threadID, UserID: c.userID, Typing: false})
}

type typingPayload struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Typing   bool   `json:"typing"`
}

// handleMessage processes an incoming or confirming message event.
func (c *Controller) handleMessage(raw json.RawMessage) {
	var msg msglog.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("unparseable message event", zap.Error(err))
		return
	}

	if msg.TempID != "" {
		c.tracker.Complete(msg.TempID)
	}

	c.mu.Lock()
	activeThread := c.activeThread
	activePartner := c.activePartner
	c.mu.Unlock()

	onActive := activeThread != "" && (msg.ThreadID == "" || msg.ThreadID == activeThread)
	if onActive {
		if !c.log.Ingest(msg) {
			return
		}
		if msg.SenderID != c.userID {
			// The user is looking at this thread, so the message counts
			// as read immediately.
			if err := c.sock.Emit(socket.SignalMarkAsRead, map[string]string{
				"threadId": activeThread,
				"userId":   c.userID,
			}); err != nil {
				c.logger.Debug("mark as read not sent", zap.Error(err))
			}
		}
	}
	if msg.Malformed() {
		return
	}

	previewPartner := msg.SenderID
	if msg.SenderID == c.userID {
		previewPartner = activePartner
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if previewPartner != "" && !c.dir.UpdatePreview(previewPartner, msg.Content, at) {
		// Message from a partner the directory has never seen: rebuild it.
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		go func() { _ = c.dir.Refresh(ctx) }()
	}
}

func (c *Controller) handleReadMessages(raw json.RawMessage) {
	var body struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	c.mu.Lock()
	active := c.activeThread
	c.mu.Unlock()
	if body.ThreadID == active && active != "" {
		c.log.MarkAllRead()
	}
}

func (c *Controller) handleTyping(raw json.RawMessage) {
	var body typingPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	c.mu.Lock()
	active := c.activeThread
	c.mu.Unlock()
	if body.ThreadID == active && body.UserID != c.userID {
		c.bus.Emit("thread.typing", body)
	}
}

func (c *Controller) presenceHandler(online bool) socket.Handler {
	return func(raw json.RawMessage) {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.UserID == "" {
			return
		}
		c.dir.SetOnline(body.UserID, online)
	}
}
