// Package ctl is the HTTP client for the daemon's control socket, used by
// the chatsyncctl command.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	httpClient *http.Client
	socketPath string
}

// New returns a client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon: %s (status %d)", e.Message, e.Code)
}

// Status mirrors the daemon's /v1/status response.
type Status struct {
	Session            string `json:"session"`
	State              string `json:"state"`
	UptimeMs           int64  `json:"uptime_ms"`
	Epoch              uint64 `json:"epoch"`
	InflightSends      int    `json:"inflight_sends"`
	Resyncs            uint64 `json:"resyncs"`
	ActiveConversation string `json:"active_conversation"`
	ConversationCount  int64  `json:"conversation_count"`
	MessageCount       int64  `json:"message_count"`
}

type Conversation struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	Title              string `json:"title"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview string `json:"last_message_preview"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachment_ref"`
	ReplyToID      string `json:"reply_to_id"`
	MessageType    string `json:"message_type"`
	FromMe         bool   `json:"from_me"`
	Status         string `json:"status"`
	SentAt         int64  `json:"sent_at_unix_ms"`
}

type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type PresenceStatus struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen_unix_ms"`
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists the mirrored conversation summaries, most recent
// first.
func (c *Client) Conversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if err := c.get(ctx, "/v1/conversations", q, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Messages lists mirrored messages for a conversation, newest first. A
// non-zero before timestamp pages backwards.
func (c *Client) Messages(ctx context.Context, conversationID string, before int64, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send queues a message for a conversation. Returns the client token that
// tracks the send until the gateway acknowledges it.
func (c *Client) Send(ctx context.Context, conversationID, body string) (string, error) {
	var out struct {
		ClientToken string `json:"client_token"`
	}
	req := map[string]string{"body": body}
	if err := c.post(ctx, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", req, &out); err != nil {
		return "", err
	}
	return out.ClientToken, nil
}

// Retry resubmits a failed send. Returns the fresh client token.
func (c *Client) Retry(ctx context.Context, clientToken string) (string, error) {
	var out struct {
		ClientToken string `json:"client_token"`
	}
	if err := c.post(ctx, "/v1/outbox/"+url.PathEscape(clientToken)+"/retry", nil, &out); err != nil {
		return "", err
	}
	return out.ClientToken, nil
}

// MarkRead clears a conversation's unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.post(ctx, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// Search runs a full-text search over mirrored message bodies.
func (c *Client) Search(ctx context.Context, query, conversationID string, limit int) ([]SearchResult, error) {
	var out struct {
		Results []SearchResult `json:"results"`
	}
	q := url.Values{}
	q.Set("q", query)
	if conversationID != "" {
		q.Set("conversation", conversationID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, "/v1/search", q, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Presence fetches presence for the given users, or the whole known set
// when users is empty.
func (c *Client) Presence(ctx context.Context, userIDs []string) ([]PresenceStatus, error) {
	var out struct {
		Statuses []PresenceStatus `json:"statuses"`
	}
	q := url.Values{}
	if len(userIDs) > 0 {
		q.Set("users", strings.Join(userIDs, ","))
	}
	if err := c.get(ctx, "/v1/presence", q, &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := "http://chatsync" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://chatsync"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dial daemon at %s: %w", c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &APIError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
