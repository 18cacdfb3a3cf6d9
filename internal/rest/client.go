// Package rest is the client for the platform's HTTP API, used to fetch
// conversation and message history on startup and resync. Live updates come
// over the websocket; this client only pulls snapshots.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hirelink/chatsync/internal/config"
	"github.com/hirelink/chatsync/internal/protocol"
)

const defaultTimeout = 30 * time.Second

// Client talks to the platform API with the session's bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an API client from the session config.
func NewClient(cfg *config.Session) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.Code, e.Message)
}

// ListConversations fetches every conversation the session user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.ConversationPayload, error) {
	data, err := c.get(ctx, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []protocol.ConversationPayload `json:"conversations"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out.Conversations, nil
}

// ListMessages fetches a message page for a conversation, newest first.
// before is an exclusive cursor message id; empty fetches from the top.
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]protocol.MessagePayload, error) {
	query := map[string]string{}
	if before != "" {
		query["before"] = before
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []protocol.MessagePayload `json:"messages"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out.Messages, nil
}

// GetPresence fetches a presence snapshot for the given users.
func (c *Client) GetPresence(ctx context.Context, userIDs []string) ([]protocol.PresenceEntryPayload, error) {
	query := map[string]string{"users": strings.Join(userIDs, ",")}
	data, err := c.get(ctx, "/api/presence", query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Statuses []protocol.PresenceEntryPayload `json:"statuses"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return out.Statuses, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return body, nil
}
