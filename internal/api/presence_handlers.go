package api

import (
	"net/http"
	"strings"

	"github.com/hirelink/chatsync/internal/presence"
)

type presenceJSON struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen_unix_ms,omitempty"`
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	var entries []presence.Entry
	if users := r.URL.Query().Get("users"); users != "" {
		for _, id := range strings.Split(users, ",") {
			e, ok := a.presence.Get(id)
			if !ok {
				// Unknown users read as offline.
				e = presence.Entry{UserID: id}
			}
			entries = append(entries, e)
		}
	} else {
		entries = a.presence.Snapshot()
	}

	out := make([]presenceJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, presenceJSON{
			UserID:   e.UserID,
			Online:   e.Online,
			LastSeen: e.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": out,
		"epoch":    a.presence.Epoch(),
	})
}
