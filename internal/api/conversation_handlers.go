package api

import (
	"net/http"
	"strconv"

	"github.com/hirelink/chatsync/internal/store"
)

type conversationJSON struct {
	ID                 string            `json:"id"`
	Kind               string            `json:"kind"`
	Title              string            `json:"title"`
	UnreadCount        int               `json:"unread_count"`
	LastMessageAt      int64             `json:"last_message_at_unix_ms"`
	LastMessagePreview string            `json:"last_message_preview"`
	Participants       []participantJSON `json:"participants,omitempty"`
}

type participantJSON struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	convs, err := a.db.ListConversations(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list conversations: "+err.Error())
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, conversationToJSON(&convs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"has_more":      len(convs) == limit,
	})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c, err := a.db.GetConversation(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get conversation: "+err.Error())
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "conversation "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversationToJSON(c)})
}

func (a *API) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	msgs, err := a.engine.OpenConversation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open conversation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesToJSON(msgs)})
}

func (a *API) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.CloseConversation(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "close conversation: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := a.engine.MarkRead(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "mark read: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTyping(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := a.engine.NoteTyping(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "note typing: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTypers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	users := a.engine.Typers(id)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func conversationToJSON(c *store.Conversation) conversationJSON {
	out := conversationJSON{
		ID:                 c.ID,
		Kind:               c.Kind,
		Title:              c.Title,
		UnreadCount:        c.UnreadCount,
		LastMessageAt:      c.LastMessageAt,
		LastMessagePreview: c.LastMessagePreview,
	}
	for _, p := range c.Participants {
		out.Participants = append(out.Participants, participantJSON{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
		})
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
