package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

// fakeDaemon serves canned control responses on a Unix socket.
func fakeDaemon(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ctl-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Status{Session: "main", State: "CONNECTED", Epoch: 2})
	})
	c := New(fakeDaemon(t, mux))

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Session != "main" || st.State != "CONNECTED" || st.Epoch != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestSend(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c-1" {
			t.Errorf("conversation = %q", r.PathValue("id"))
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotBody = req["body"]
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"client_token": "tok-1"})
	})
	c := New(fakeDaemon(t, mux))

	token, err := c.Send(context.Background(), "c-1", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q", token)
	}
	if gotBody != "hello there" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestMessagesQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("before"); got != "500" {
			t.Errorf("before = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []Message{{ID: "m-1", Body: "hi"}},
		})
	})
	c := New(fakeDaemon(t, mux))

	msgs, err := c.Messages(context.Background(), "c-1", 500, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestErrorResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/outbox/{token}/retry", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "send tok-1 has not failed"})
	})
	c := New(fakeDaemon(t, mux))

	_, err := c.Retry(context.Background(), "tok-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != http.StatusConflict {
		t.Errorf("code = %d", apiErr.Code)
	}
	if apiErr.Message != "send tok-1 has not failed" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	c := New("/tmp/ctl-test-nonexistent.sock")
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
