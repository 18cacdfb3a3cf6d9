package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type eventJSON struct {
	EventID          string          `json:"event_id"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// handleEvents streams bus events as newline-delimited JSON until the
// client disconnects. The prefix query narrows the subscription
// (e.g. prefix=message.).
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	prefix := r.URL.Query().Get("prefix")
	ch, unsub := a.bus.Subscribe(prefix, 64)
	defer unsub()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case evt := <-ch:
			out := eventJSON{
				EventID:          uuid.New().String(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
			}
			if evt.Payload != nil {
				if raw, err := json.Marshal(evt.Payload); err == nil {
					out.Payload = raw
				}
			}
			if err := enc.Encode(out); err != nil {
				return
			}
			fl.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
