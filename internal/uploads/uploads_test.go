package uploads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
)

func TestTrackerProgressIsMonotonicAndClamped(t *testing.T) {
	tr := NewTracker(bus.New())
	tr.Begin("temp-1")

	tr.SetProgress("temp-1", 40)
	tr.SetProgress("temp-1", 25) // stale update, ignored
	if pct, _ := tr.Get("temp-1"); pct != 40 {
		t.Errorf("pct = %d, want 40", pct)
	}

	tr.SetProgress("temp-1", 250)
	if pct, _ := tr.Get("temp-1"); pct != 100 {
		t.Errorf("pct = %d, want clamped 100", pct)
	}

	// 100 percent means bytes sent, not confirmed: the entry stays.
	if _, ok := tr.Get("temp-1"); !ok {
		t.Fatal("entry removed at 100 percent")
	}

	tr.Complete("temp-1")
	if _, ok := tr.Get("temp-1"); ok {
		t.Error("entry still present after Complete")
	}
}

func TestTrackerIgnoresUnknownTempID(t *testing.T) {
	tr := NewTracker(bus.New())
	tr.SetProgress("temp-x", 50)
	if _, ok := tr.Get("temp-x"); ok {
		t.Error("SetProgress must not create entries")
	}
	if n := len(tr.Snapshot()); n != 0 {
		t.Errorf("snapshot has %d entries, want 0", n)
	}
}

func TestRunnerSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":1,"response":"ok","data":null}`))
	}))
	defer srv.Close()

	b := bus.New()
	log := msglog.New(b, nil)
	log.LoadHistory("T1", nil)
	tr := NewTracker(b)
	runner := NewRunner(rest.New(srv.URL, "tok", nil), log, tr, b, nil, "me")

	tempID, err := runner.Send(context.Background(), Request{
		ThreadID: "T1",
		Name:     "itinerary.pdf",
		Mime:     "application/pdf",
		Size:     5,
		Body:     strings.NewReader("hello"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := log.Snapshot()
	if len(msgs) != 1 || msgs[0].TempID != tempID || msgs[0].Kind != msglog.KindFile {
		t.Fatalf("optimistic entry wrong: %+v", msgs)
	}
	if msgs[0].File == nil || msgs[0].File.Name != "itinerary.pdf" {
		t.Errorf("file metadata missing: %+v", msgs[0].File)
	}
	if pct, ok := tr.Get(tempID); !ok || pct != 100 {
		t.Errorf("progress = %d,%v, want 100 pending confirmation", pct, ok)
	}

	// The confirming event clears both the temp entry and the tracker.
	log.Ingest(msglog.Message{ID: "m9", TempID: tempID, SenderID: "me", Content: "itinerary.pdf"})
	tr.Complete(tempID)
	if _, ok := tr.Get(tempID); ok {
		t.Error("tracker entry not cleared after confirmation")
	}
}

func TestRunnerSendRollsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := bus.New()
	alerts, cancel := b.Subscribe("alert.", 4)
	defer cancel()

	log := msglog.New(b, nil)
	log.LoadHistory("T1", nil)
	tr := NewTracker(b)
	runner := NewRunner(rest.New(srv.URL, "tok", nil), log, tr, b, nil, "me")

	_, err := runner.Send(context.Background(), Request{
		ThreadID: "T1", Name: "a.txt", Mime: "text/plain", Size: 2,
		Body: strings.NewReader("ab"),
	})
	if err == nil {
		t.Fatal("expected upload error")
	}
	if log.Len() != 0 {
		t.Errorf("optimistic entry not rolled back, log has %d messages", log.Len())
	}
	if n := len(tr.Snapshot()); n != 0 {
		t.Errorf("tracker still has %d entries", n)
	}

	select {
	case evt := <-alerts:
		if evt.Kind != "alert.upload_failed" {
			t.Errorf("alert kind = %q", evt.Kind)
		}
	default:
		t.Error("no alert published")
	}
}
