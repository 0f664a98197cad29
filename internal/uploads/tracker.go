// Package uploads tracks in-flight file sends. Each upload is keyed by the
// temporary message id, so the progress percentage can be joined onto the
// optimistic message entry until the server confirms or the upload fails.
// The file's name, size and mime type live on that optimistic entry's
// FileInfo, not here; the tracker carries only the percentage.
package uploads

import (
	"sync"

	"github.com/courierapp/courier/internal/bus"
)

// Progress is the bus payload for "upload.progress" events.
type Progress struct {
	TempID  string `json:"tempId"`
	Percent int    `json:"percent"`
}

// Tracker maps temp message ids to upload percentages. Reaching 100 does
// not remove an entry: the server confirmation does, via Complete.
type Tracker struct {
	mu       sync.Mutex
	percents map[string]int
	bus      *bus.Bus
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		percents: make(map[string]int),
		bus:      b,
	}
}

// Begin registers an upload at zero percent.
func (t *Tracker) Begin(tempID string) {
	t.mu.Lock()
	t.percents[tempID] = 0
	t.mu.Unlock()
	t.bus.Emit("upload.progress", Progress{TempID: tempID})
}

// SetProgress records a new percentage. Values are clamped to [0,100] and
// never move backwards.
func (t *Tracker) SetProgress(tempID string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	t.mu.Lock()
	cur, ok := t.percents[tempID]
	if !ok || pct <= cur {
		t.mu.Unlock()
		return
	}
	t.percents[tempID] = pct
	t.mu.Unlock()

	t.bus.Emit("upload.progress", Progress{TempID: tempID, Percent: pct})
}

// Complete drops the entry once the server has confirmed the message.
func (t *Tracker) Complete(tempID string) {
	t.mu.Lock()
	_, ok := t.percents[tempID]
	delete(t.percents, tempID)
	t.mu.Unlock()
	if ok {
		t.bus.Emit("upload.done", Progress{TempID: tempID, Percent: 100})
	}
}

// Fail drops the entry for an upload that will never confirm.
func (t *Tracker) Fail(tempID string) {
	t.mu.Lock()
	delete(t.percents, tempID)
	t.mu.Unlock()
}

// Get returns the current percentage for a temp id.
func (t *Tracker) Get(tempID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pct, ok := t.percents[tempID]
	return pct, ok
}

// Snapshot copies the whole progress map.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.percents))
	for k, v := range t.percents {
		out[k] = v
	}
	return out
}
