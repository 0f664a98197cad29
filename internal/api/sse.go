package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// events streams bus events as server-sent events. The client picks its
// namespaces with ?ns=; the default is every event.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	namespace := r.URL.Query().Get("ns")
	ch, unsub := h.bus.Subscribe(namespace, 64)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				h.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), evt.Kind, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
