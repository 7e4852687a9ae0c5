package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Transport is one JSON-RPC connection to an MCP server. Call blocks
// until the matching response arrives; Notify is fire-and-forget.
// Implementations are safe for concurrent use, though the pipe
// transport serializes calls internally (one request in flight per
// subprocess).
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
	Kind() string
}

// TransportConfig describes how to reach one server. It is a closed
// set: PipeConfig launches a subprocess speaking newline-delimited
// JSON-RPC on stdio, StreamConfig speaks streamable HTTP.
type TransportConfig interface {
	// Dial opens the transport. For pipes this starts the subprocess;
	// for HTTP it only builds the client (the handshake does the first
	// network round trip).
	Dial(ctx context.Context, logger *slog.Logger) (Transport, error)
	// Kind returns "stdio" or "http".
	Kind() string
}

// call performs a typed request: marshal params, unmarshal result.
func call[T any](ctx context.Context, t Transport, method string, params any) (T, error) {
	var out T
	raw, err := t.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
