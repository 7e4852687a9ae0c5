package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func dialHTTP(t *testing.T, url string) Transport {
	t.Helper()
	tr, err := StreamConfig{URL: url}.Dial(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestHTTPTransportJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if r.Header.Get("Accept") != "application/json, text/event-stream" {
			t.Errorf("missing accept header: %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"remote"}]}}`, *req.ID)
	}))
	defer srv.Close()

	raw, err := dialHTTP(t, srv.URL).Call(context.Background(), methodListTools, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "remote" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHTTPTransportSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\"}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"ok\":true}}\n\n", *req.ID)
	}))
	defer srv.Close()

	raw, err := dialHTTP(t, srv.URL).Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Errorf("got %s", raw)
	}
}

func TestHTTPTransportSessionHeader(t *testing.T) {
	var mu sync.Mutex
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		sessions = append(sessions, r.Header.Get(sessionHeader))
		mu.Unlock()
		w.Header().Set(sessionHeader, "sess-42")
		w.Header().Set("Content-Type", "application/json")
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
	}))
	defer srv.Close()

	tr := dialHTTP(t, srv.URL)
	if _, err := tr.Call(context.Background(), methodInitialize, initializeParams{}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Notify(context.Background(), methodInitialized, struct{}{}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(sessions))
	}
	if sessions[0] != "" {
		t.Errorf("initialize must not carry a session id, got %q", sessions[0])
	}
	if sessions[1] != "sess-42" {
		t.Errorf("follow-up should carry the assigned session id, got %q", sessions[1])
	}
}

func TestHTTPTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := dialHTTP(t, srv.URL).Call(context.Background(), "ping", nil)
	if err == nil {
		t.Fatal("expected an error for a 502 response")
	}
}

func TestHTTPTransportRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *req.ID)
	}))
	defer srv.Close()

	_, err := dialHTTP(t, srv.URL).Call(context.Background(), "prompts/list", nil)
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestStreamConfigRequiresURL(t *testing.T) {
	if _, err := (StreamConfig{}).Dial(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("empty URL should be rejected")
	}
}
