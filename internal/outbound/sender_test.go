package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/courierapp/courier/internal/bus"
	"github.com/courierapp/courier/internal/msglog"
	"github.com/courierapp/courier/internal/rest"
	"github.com/goccy/go-json"
)

func newSender(t *testing.T, status int, reply string) (*Sender, *msglog.Log, <-chan bus.Event) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	b := bus.New()
	alerts, cancel := b.Subscribe("alert.", 4)
	t.Cleanup(cancel)

	log := msglog.New(b, nil)
	log.LoadHistory("T1", nil)
	return New(rest.New(srv.URL, "tok", nil), log, b, nil, "me"), log, alerts
}

func TestSendKeepsOptimisticEntryOnSuccess(t *testing.T) {
	s, log, _ := newSender(t, http.StatusOK, `{"status":1,"response":"ok","data":null}`)

	tempID, err := s.Send(context.Background(), "T1", "on my way")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := log.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("log has %d messages, want 1", len(msgs))
	}
	if msgs[0].TempID != tempID || msgs[0].ID != "" || msgs[0].Content != "on my way" {
		t.Errorf("entry = %+v", msgs[0])
	}

	// The confirming socket event promotes the same entry in place.
	payload, _ := json.Marshal(msglog.Message{ID: "m1", TempID: tempID, SenderID: "me", Content: "on my way"})
	var in msglog.Message
	_ = json.Unmarshal(payload, &in)
	log.Ingest(in)

	msgs = log.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].TempID != "" {
		t.Errorf("after confirmation: %+v", msgs)
	}
}

func TestSendRollsBackOnServerError(t *testing.T) {
	s, log, alerts := newSender(t, http.StatusInternalServerError, `oops`)

	if _, err := s.Send(context.Background(), "T1", "hello"); err == nil {
		t.Fatal("expected send error")
	}
	if log.Len() != 0 {
		t.Errorf("log has %d messages after rollback, want 0", log.Len())
	}

	select {
	case evt := <-alerts:
		if evt.Kind != "alert.send_failed" {
			t.Errorf("alert kind = %q, want alert.send_failed", evt.Kind)
		}
	default:
		t.Error("no alert published")
	}
}

func TestSendDistinguishesExpiredAuth(t *testing.T) {
	s, log, alerts := newSender(t, http.StatusUnauthorized, `{"message":"jwt expired"}`)

	if _, err := s.Send(context.Background(), "T1", "hello"); err == nil {
		t.Fatal("expected auth error")
	}
	if log.Len() != 0 {
		t.Error("entry not rolled back on auth failure")
	}

	select {
	case evt := <-alerts:
		if evt.Kind != "alert.auth_expired" {
			t.Errorf("alert kind = %q, want alert.auth_expired", evt.Kind)
		}
	default:
		t.Error("no alert published")
	}
}
