package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/hirelink/chatsync/internal/outbox"
	"github.com/hirelink/chatsync/internal/store"
	intsync "github.com/hirelink/chatsync/internal/sync"
)

type messageJSON struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	MessageType    string `json:"message_type"`
	FromMe         bool   `json:"from_me"`
	Status         string `json:"status"`
	SentAt         int64  `json:"sent_at_unix_ms"`
}

type sendRequest struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref"`
	ReplyToID     string `json:"reply_to_id"`
	MessageType   string `json:"message_type"`
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 50)

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		before = n
	}

	msgs, err := a.db.ListMessages(id, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messagesToJSON(msgs),
		"has_more": len(msgs) == limit,
	})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Body == "" && req.AttachmentRef == "" {
		writeError(w, http.StatusBadRequest, "message body is required")
		return
	}

	token, err := a.engine.SendMessage(r.Context(), id, req.Body, req.AttachmentRef, req.ReplyToID, req.MessageType)
	if err != nil {
		if errors.Is(err, intsync.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "send: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_token": token})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	newToken, err := a.engine.RetrySend(r.Context(), token)
	if err != nil {
		switch {
		case outbox.IsNotFound(err):
			writeError(w, http.StatusNotFound, "send "+token+" not found")
		case errors.Is(err, outbox.ErrNotFailed):
			writeError(w, http.StatusConflict, "send "+token+" has not failed")
		case errors.Is(err, intsync.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "retry: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_token": newToken})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	conversationID := r.URL.Query().Get("conversation")
	limit := queryInt(r, "limit", 50)

	results, err := a.db.SearchMessages(query, conversationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search: "+err.Error())
		return
	}

	type searchResultJSON struct {
		Message messageJSON `json:"message"`
		Snippet string      `json:"snippet"`
	}
	out := make([]searchResultJSON, 0, len(results))
	for _, res := range results {
		out = append(out, searchResultJSON{
			Message: messageToJSON(&res.Message),
			Snippet: res.Snippet,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  out,
		"has_more": len(results) == limit,
	})
}

func messageToJSON(m *store.Message) messageJSON {
	return messageJSON{
		ID:             m.MsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		AttachmentRef:  m.AttachmentRef,
		ReplyToID:      m.ReplyToID,
		MessageType:    m.MessageType,
		FromMe:         m.FromMe,
		Status:         string(m.Status),
		SentAt:         m.SentAt,
	}
}

func messagesToJSON(msgs []store.Message) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToJSON(&msgs[i]))
	}
	return out
}
