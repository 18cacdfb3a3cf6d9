// Package api exposes the daemon's control surface as HTTP+JSON handlers
// served over the session's Unix domain socket.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hirelink/chatsync/internal/bus"
	"github.com/hirelink/chatsync/internal/outbox"
	"github.com/hirelink/chatsync/internal/presence"
	"github.com/hirelink/chatsync/internal/status"
	"github.com/hirelink/chatsync/internal/store"
	intsync "github.com/hirelink/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Gateway reports the connection epoch of the realtime transport.
type Gateway interface {
	Epoch() uint64
}

// API holds the handlers for the daemon control endpoints.
type API struct {
	sessionName string
	startedAt   time.Time

	db       *store.DB
	engine   *intsync.Engine
	sender   *outbox.Sender
	machine  *status.Machine
	presence *presence.Tracker
	gw       Gateway
	bus      *bus.Bus
	log      *zap.Logger
}

// New creates the control API backed by the store and the sync engine.
func New(sessionName string, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, machine *status.Machine, pr *presence.Tracker, gw Gateway, b *bus.Bus, log *zap.Logger) *API {
	return &API{
		sessionName: sessionName,
		startedAt:   time.Now(),
		db:          db,
		engine:      engine,
		sender:      sender,
		machine:     machine,
		presence:    pr,
		gw:          gw,
		bus:         b,
		log:         log.Named("api"),
	}
}

// Routes returns the request mux for all control endpoints.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", a.handleStatus)

	mux.HandleFunc("GET /v1/conversations", a.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", a.handleGetConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/open", a.handleOpenConversation)
	mux.HandleFunc("POST /v1/conversations/close", a.handleCloseConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/read", a.handleMarkRead)
	mux.HandleFunc("POST /v1/conversations/{id}/typing", a.handleTyping)
	mux.HandleFunc("GET /v1/conversations/{id}/typers", a.handleTypers)

	mux.HandleFunc("GET /v1/conversations/{id}/messages", a.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", a.handleSendMessage)
	mux.HandleFunc("POST /v1/outbox/{token}/retry", a.handleRetry)
	mux.HandleFunc("GET /v1/search", a.handleSearch)

	mux.HandleFunc("GET /v1/presence", a.handlePresence)
	mux.HandleFunc("GET /v1/events", a.handleEvents)

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
