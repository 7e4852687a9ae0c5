package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// StreamConfig reaches an MCP server over streamable HTTP: every
// request is a POST carrying one JSON-RPC message, answered either with
// a plain JSON body or an SSE stream.
type StreamConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration // per-request; default 30s
	Client  *http.Client  // optional; built from Timeout when nil
}

func (StreamConfig) Kind() string { return "http" }

// Dial builds the client. No network traffic happens here; the first
// round trip is the registry's initialize call.
func (c StreamConfig) Dial(_ context.Context, logger *slog.Logger) (Transport, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("http transport: empty url")
	}
	client := c.Client
	if client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &httpTransport{cfg: c, client: client, logger: logger}, nil
}

// httpTransport is safe for concurrent calls: the request id is atomic
// and the session id (assigned by the server on initialize) is under a
// mutex.
type httpTransport struct {
	cfg    StreamConfig
	client *http.Client
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	session string
}

func (t *httpTransport) Kind() string { return "http" }

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	resp, err := t.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if method == methodInitialize {
		if sid := resp.Header.Get(sessionHeader); sid != "" {
			t.mu.Lock()
			t.session = sid
			t.mu.Unlock()
		}
	}

	msg, err := decodeResponse(resp, id)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	resp, err := t.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *httpTransport) Close() error { return nil }

func (t *httpTransport) post(ctx context.Context, msg rpcRequest) (*http.Response, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.session != "" {
		req.Header.Set(sessionHeader, t.session)
	}
	t.mu.Unlock()
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// decodeResponse parses either a plain JSON body or an SSE stream,
// returning the message matching the request id.
func decodeResponse(resp *http.Response, id int64) (*rpcResponse, error) {
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "text/event-stream" {
		return decodeSSE(resp.Body, id)
	}
	var msg rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &msg, nil
}

// decodeSSE scans "data:" events until one carries the response for our
// id. Other events (notifications, keep-alives) are skipped.
func decodeSSE(r io.Reader, id int64) (*rpcResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var msg rpcResponse
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.ID != nil && *msg.ID == id {
			return &msg, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended before response %d", id)
}
