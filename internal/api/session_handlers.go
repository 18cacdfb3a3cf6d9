package api

import (
	"net/http"
	"time"
)

type statusResponse struct {
	Session            string `json:"session"`
	State              string `json:"state"`
	UptimeMs           int64  `json:"uptime_ms"`
	Epoch              uint64 `json:"epoch"`
	InflightSends      int    `json:"inflight_sends"`
	Resyncs            uint64 `json:"resyncs"`
	ActiveConversation string `json:"active_conversation,omitempty"`
	ConversationCount  int64  `json:"conversation_count"`
	MessageCount       int64  `json:"message_count"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Session:            a.sessionName,
		State:              string(a.machine.Current()),
		UptimeMs:           time.Since(a.startedAt).Milliseconds(),
		Epoch:              a.gw.Epoch(),
		InflightSends:      a.sender.InflightCount(),
		Resyncs:            a.engine.Resyncs(),
		ActiveConversation: a.engine.ActiveConversation(),
	}

	if n, err := a.db.ConversationCount(); err == nil {
		resp.ConversationCount = n
	}
	if n, err := a.db.MessageCount(); err == nil {
		resp.MessageCount = n
	}

	writeJSON(w, http.StatusOK, resp)
}
