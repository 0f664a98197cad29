// Package api is the daemon's local control surface, served over the
// session's unix socket. It exposes the connection status, the thread
// directory, the active conversation and the send operations to courierctl.
package api

import (
	"net/http"
	"time"

	"github.com/courierapp/courier/internal/active"
	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/directory"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/outbound"
	"github.com/courierapp/courier/internal/session"
	"github.com/courierapp/courier/internal/status"
	"github.com/courierapp/courier/internal/store"
	"github.com/courierapp/courier/internal/uploads"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Handler holds the control API's dependencies.
type Handler struct {
	sessionName string
	startedAt   time.Time

	machine    *status.Machine
	dir        *directory.Directory
	log        *msglog.Log
	tracker    *uploads.Tracker
	controller *active.Controller
	sender     *outbound.Sender
	runner     *uploads.Runner
	db         *store.DB
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewHandler creates the control API handler.
func NewHandler(
	sessionName string,
	machine *status.Machine,
	dir *directory.Directory,
	log *msglog.Log,
	tracker *uploads.Tracker,
	controller *active.Controller,
	sender *outbound.Sender,
	runner *uploads.Runner,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		dir:         dir,
		log:         log,
		tracker:     tracker,
		controller:  controller,
		sender:      sender,
		runner:      runner,
		db:          db,
		bus:         b,
		logger:      logger,
	}
}

// Router builds the chi router for the control API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Get("/threads", h.getThreads)
		r.Post("/threads/{partnerID}/select", h.selectThread)
		r.Get("/messages", h.getMessages)
		r.Post("/messages", h.sendMessage)
		r.Get("/messages/search", h.searchMessages)
		r.Post("/uploads", h.upload)
		r.Post("/typing", h.typing)
		r.Get("/events", h.events)
	})
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Session       string          `json:"session"`
	State         status.State    `json:"state"`
	LastError     string          `json:"lastError,omitempty"`
	UptimeMs      int64           `json:"uptimeMs"`
	ActivePartner string          `json:"activePartner,omitempty"`
	ActiveThread  string          `json:"activeThread,omitempty"`
	SwitchState   string          `json:"switchState"`
	ThreadCount   int             `json:"threadCount"`
	MessageCount  int             `json:"messageCount"`
	Stale         bool            `json:"stale"`
	PendingSearch json.RawMessage `json:"pendingSearch,omitempty"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	partner, thread, switchState := h.controller.Active()
	_, loaded := h.dir.Snapshot()

	resp := StatusResponse{
		Session:       h.sessionName,
		State:         h.machine.Current(),
		LastError:     h.machine.LastError(),
		UptimeMs:      time.Since(h.startedAt).Milliseconds(),
		ActivePartner: partner,
		ActiveThread:  thread,
		SwitchState:   string(switchState),
		Stale:         !loaded,
	}
	if h.db != nil {
		if n, err := h.db.ThreadCount(); err == nil {
			resp.ThreadCount = n
		}
		if n, err := h.db.MessageCount(); err == nil {
			resp.MessageCount = n
		}
	}
	if raw := session.ReadPendingSearch(h.sessionName); raw != nil {
		resp.PendingSearch = raw
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ThreadsResponse is the body of GET /v1/threads.
type ThreadsResponse struct {
	Threads []directory.Thread `json:"threads"`
	Stale   bool               `json:"stale"`
}

func (h *Handler) getThreads(w http.ResponseWriter, r *http.Request) {
	threads, loaded := h.dir.Snapshot()
	h.writeJSON(w, http.StatusOK, ThreadsResponse{Threads: threads, Stale: !loaded})
}

func (h *Handler) selectThread(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")
	if partnerID == "" {
		h.writeError(w, http.StatusBadRequest, "missing partner id")
		return
	}
	h.controller.Select(partnerID)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"partnerId": partnerID})
}

// MessageView is one entry of GET /v1/messages: the message plus upload
// progress while a file send is still in flight.
type MessageView struct {
	msglog.Message
	UploadPercent *int `json:"uploadPercent,omitempty"`
}

// MessagesResponse is the body of GET /v1/messages. Stale marks history
// served from the local cache instead of the live log.
type MessagesResponse struct {
	ThreadID string        `json:"threadId"`
	Messages []MessageView `json:"messages"`
	Stale    bool          `json:"stale,omitempty"`
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	if partner := r.URL.Query().Get("partner"); partner != "" {
		h.getPartnerMessages(w, partner)
		return
	}
	h.writeJSON(w, http.StatusOK, MessagesResponse{ThreadID: h.log.ThreadID(), Messages: h.liveViews()})
}

func (h *Handler) liveViews() []MessageView {
	msgs := h.log.Snapshot()
	progress := h.tracker.Snapshot()

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{Message: m}
		if m.TempID != "" {
			if pct, ok := progress[m.TempID]; ok {
				p := pct
				v.UploadPercent = &p
			}
		}
		views = append(views, v)
	}
	return views
}

// getPartnerMessages serves one partner's history. The active thread is
// answered from the live log; any other thread renders its cached rows
// until a switch to it fetches fresh history.
func (h *Handler) getPartnerMessages(w http.ResponseWriter, partner string) {
	threadID := ""
	if entry, ok := h.dir.Find(partner); ok {
		threadID = entry.ThreadID
	}
	if threadID == "" && h.db != nil {
		if th, err := h.db.GetThreadByPartner(partner); err == nil && th != nil {
			threadID = th.ThreadID
		}
	}
	if threadID == "" {
		h.writeError(w, http.StatusNotFound, "no thread for partner")
		return
	}
	if threadID == h.log.ThreadID() {
		h.writeJSON(w, http.StatusOK, MessagesResponse{ThreadID: threadID, Messages: h.liveViews()})
		return
	}
	if h.db == nil {
		h.writeError(w, http.StatusNotFound, "no cached history")
		return
	}
	rows, err := h.db.ListMessages(threadID, 0, 100)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Cached rows come newest first; the view is oldest first.
	views := make([]MessageView, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		views = append(views, MessageView{Message: msglog.Message{
			ID:        m.MsgID,
			ThreadID:  m.ThreadID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Kind:      m.MessageType,
			Read:      m.IsRead,
			CreatedAt: time.UnixMilli(m.Timestamp),
		}})
	}
	h.writeJSON(w, http.StatusOK, MessagesResponse{ThreadID: threadID, Messages: views, Stale: true})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Content == "" {
		h.writeError(w, http.StatusBadRequest, "empty content")
		return
	}
	_, threadID, state := h.controller.Active()
	if threadID == "" || state != active.Ready {
		h.writeError(w, http.StatusConflict, "no active thread")
		return
	}

	tempID, err := h.sender.Send(r.Context(), threadID, body.Content)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"tempId": tempID})
}

// SearchResponse is the body of GET /v1/messages/search.
type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

// SearchHit is one full-text match from the local cache.
type SearchHit struct {
	ThreadID  string `json:"threadId"`
	MsgID     string `json:"msgId"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Snippet   string `json:"snippet"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	results, err := h.db.SearchMessages(query, r.URL.Query().Get("threadId"), 50)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, SearchHit{
			ThreadID:  res.Message.ThreadID,
			MsgID:     res.Message.MsgID,
			SenderID:  res.Message.SenderID,
			Content:   res.Message.Content,
			Snippet:   res.Snippet,
			Timestamp: res.Message.Timestamp,
		})
	}
	h.writeJSON(w, http.StatusOK, SearchResponse{Results: hits})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer func() { _ = file.Close() }()

	_, threadID, state := h.controller.Active()
	if threadID == "" || state != active.Ready {
		h.writeError(w, http.StatusConflict, "no active thread")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	tempID, err := h.runner.Send(r.Context(), uploads.Request{
		ThreadID: threadID,
		Name:     header.Filename,
		Mime:     mime,
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"tempId": tempID})
}

func (h *Handler) typing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stop bool `json:"stop"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Stop {
		h.controller.StopTyping()
	} else {
		h.controller.Typing()
	}
	w.WriteHeader(http.StatusNoContent)
}
