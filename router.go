package hachimi

import (
	"context"
	"encoding/json"
)

// ToolRouter is the registry surface the agent depends on: a catalog of
// qualified tools and prompts, and dispatch by qualified name. The mcp
// package provides the production implementation.
type ToolRouter interface {
	// ListAllTools returns the current catalog in registration order.
	ListAllTools() []ToolDescriptor
	// ListAllPrompts returns every prompt advertised by connected servers.
	ListAllPrompts() []PromptDescriptor
	// Invoke routes a call to the owning server and returns the textual
	// result. Fails with ErrUnknownTool, ErrUnknownServer,
	// ErrServerUnavailable, or a *TransportError.
	Invoke(ctx context.Context, qualifiedName string, args json.RawMessage) (string, error)
	// GetPrompt fetches one prompt template body, searching every
	// connected server when server is empty.
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (string, error)
	// Stats reports per-server connection and catalog state.
	Stats() RouterStats
}

// RouterStats is a read-only snapshot of the registry.
type RouterStats struct {
	Servers map[string]ServerStats `json:"servers"`
	Tools   int                    `json:"tools"`
	Prompts int                    `json:"prompts"`
}

// ServerStats describes one registered server. A server whose
// registration failed stays listed with Connected false and the
// handshake error in LastError.
type ServerStats struct {
	Connected bool   `json:"connected"`
	Transport string `json:"transport"` // "stdio" or "http"
	Tools     int    `json:"tools"`
	Prompts   int    `json:"prompts"`
	Calls     int64  `json:"calls"`
	Errors    int64  `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}
