// Package directory maintains the list of chat-eligible partners: accepted
// and completed connections collapsed to one entry per partner, annotated
// with the resolved thread, the latest message preview and live presence.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/rest"
	"go.uber.org/zap"
)

// Thread is one directory entry. ThreadID stays empty until a conversation
// exists on the server; LastMessageAt stays zero when the thread has no
// messages, which sorts the entry last.
type Thread struct {
	PartnerID     string    `json:"partnerId"`
	Name          string    `json:"name"`
	Avatar        string    `json:"avatar,omitempty"`
	ThreadID      string    `json:"threadId,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	Online        bool      `json:"online"`
}

// Directory holds the partner list for one user. Refresh failures retry on
// a timer until one attempt succeeds; readers see the previous list in the
// meantime.
type Directory struct {
	api    *rest.Client
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	retryDelay time.Duration

	mu         sync.Mutex
	threads    []Thread
	online     map[string]bool
	loaded     bool
	refreshing bool
}

// New creates an empty directory for the given user.
func New(api *rest.Client, userID string, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		api:        api,
		bus:        b,
		logger:     logger,
		userID:     userID,
		retryDelay: 5 * time.Second,
		online:     make(map[string]bool),
	}
}

// Prime seeds the directory from a local cache before the first network
// refresh. Primed entries are served with loaded=false so callers can mark
// them stale.
func (d *Directory) Prime(threads []Thread) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded || len(d.threads) > 0 {
		return
	}
	d.threads = append([]Thread(nil), threads...)
}

// Refresh rebuilds the directory from the backend. Any failure keeps the
// current list and schedules another attempt after the retry delay.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	if d.refreshing {
		d.mu.Unlock()
		return nil
	}
	d.refreshing = true
	d.mu.Unlock()

	threads, err := d.fetch(ctx)

	d.mu.Lock()
	d.refreshing = false
	if err == nil {
		for i := range threads {
			threads[i].Online = d.online[threads[i].PartnerID]
		}
		sortThreads(threads)
		d.threads = threads
		d.loaded = true
	}
	snapshot := append([]Thread(nil), d.threads...)
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("directory refresh failed", zap.Error(err))
		if ctx.Err() == nil {
			time.AfterFunc(d.retryDelay, func() {
				if ctx.Err() == nil {
					_ = d.Refresh(ctx)
				}
			})
		}
		return err
	}

	d.logger.Info("directory refreshed", zap.Int("threads", len(snapshot)))
	d.bus.Emit("directory.refreshed", snapshot)
	return nil
}

// fetch pulls the connection requests and resolves thread plus preview for
// every distinct eligible partner.
func (d *Directory) fetch(ctx context.Context) ([]Thread, error) {
	sent, received, err := d.api.Requests(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var threads []Thread
	for _, r := range append(sent, received...) {
		if !r.ChatEligible() {
			continue
		}
		t := d.partnerOf(r)
		if t.PartnerID == "" || t.PartnerID == d.userID || seen[t.PartnerID] {
			continue
		}
		seen[t.PartnerID] = true

		if err := d.resolve(ctx, &t); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// partnerOf picks the other party of a connection request.
func (d *Directory) partnerOf(r rest.ConnectionRequest) Thread {
	if r.RequesterID == d.userID {
		return Thread{PartnerID: r.ReceiverID, Name: r.ReceiverName, Avatar: r.ReceiverImage}
	}
	return Thread{PartnerID: r.RequesterID, Name: r.RequesterName, Avatar: r.RequesterImage}
}

// resolve fills in the thread id and the latest-message preview.
func (d *Directory) resolve(ctx context.Context, t *Thread) error {
	threadID, err := d.api.ThreadByPartner(ctx, t.PartnerID)
	if err != nil {
		return err
	}
	if threadID == "" {
		return nil
	}
	t.ThreadID = threadID

	msgs, err := d.api.Messages(ctx, threadID, 1)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		t.LastMessage = last.Content
		t.LastMessageAt = last.CreatedAt
	}
	return nil
}

// UpdatePreview moves a partner's entry to reflect a newly arrived or sent
// message and resorts the list. Returns false when the partner is unknown,
// in which case the caller should refresh.
func (d *Directory) UpdatePreview(partnerID, content string, at time.Time) bool {
	d.mu.Lock()
	found := false
	for i := range d.threads {
		if d.threads[i].PartnerID == partnerID {
			d.threads[i].LastMessage = content
			if at.After(d.threads[i].LastMessageAt) {
				d.threads[i].LastMessageAt = at
			}
			found = true
			break
		}
	}
	if found {
		sortThreads(d.threads)
	}
	snapshot := append([]Thread(nil), d.threads...)
	d.mu.Unlock()

	if found {
		d.bus.Emit("directory.refreshed", snapshot)
	}
	return found
}

// AttachThread records a freshly created thread id for a partner.
func (d *Directory) AttachThread(partnerID, threadID string) {
	d.mu.Lock()
	for i := range d.threads {
		if d.threads[i].PartnerID == partnerID {
			d.threads[i].ThreadID = threadID
			break
		}
	}
	d.mu.Unlock()
}

// SetOnline flips a partner's presence flag.
func (d *Directory) SetOnline(partnerID string, online bool) {
	d.mu.Lock()
	d.online[partnerID] = online
	for i := range d.threads {
		if d.threads[i].PartnerID == partnerID {
			d.threads[i].Online = online
			break
		}
	}
	d.mu.Unlock()

	d.bus.Emit("directory.presence", Presence{PartnerID: partnerID, Online: online})
}

// Snapshot returns a copy of the current list and whether it came from a
// successful network refresh rather than the local cache.
func (d *Directory) Snapshot() ([]Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Thread(nil), d.threads...), d.loaded
}

// Find returns the entry for a partner.
func (d *Directory) Find(partnerID string) (Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.threads {
		if t.PartnerID == partnerID {
			return t, true
		}
	}
	return Thread{}, false
}

// Presence is the payload for "directory.presence" events.
type Presence struct {
	PartnerID string `json:"partnerId"`
	Online    bool   `json:"online"`
}

// sortThreads orders newest conversation first. Entries without any
// message share a zero timestamp and keep their relative order at the end.
func sortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastMessageAt.After(threads[j].LastMessageAt)
	})
}
