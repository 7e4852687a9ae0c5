// Package hachimi is the orchestration core of a conversational agent
// that augments an LLM with tools hosted on independent MCP servers.
//
// It provides the building blocks the surrounding voice pipeline wires
// together: a server registry that routes tool calls across transports,
// a relevance selector that narrows the tool catalog per utterance, a
// bounded conversation window with optional summarization of evicted
// turns, and the request/response/tool-call loop itself.
//
// # Quick Start
//
//	provider := openai.New(apiKey, model, baseURL)
//	embedding := openai.NewEmbedding(apiKey, embedModel, embedURL, dims)
//
//	reg := mcp.NewRegistry()
//	reg.RegisterAll(ctx, map[string]mcp.TransportConfig{
//		"home":    mcp.PipeConfig{Command: "python3", Args: []string{"home_server.py"}},
//		"weather": mcp.StreamConfig{URL: "http://localhost:8080/mcp"},
//	})
//
//	agent := hachimi.NewAgent(provider, reg,
//		hachimi.WithEmbedding(embedding),
//		hachimi.WithSystemPrompt("You are a helpful voice assistant."),
//		hachimi.WithTopK(3),
//	)
//	if err := agent.Start(ctx); err != nil { ... }
//
//	reply, err := agent.Chat(ctx, "turn on the light")
//
// # Core Interfaces
//
//   - [Provider] — LLM backend (chat with tool calling)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Selector] — tool ranking strategy (vector or lexical)
//   - [Tracer] — optional span tracing (observer package provides OTEL)
//
// Audio capture, wake-word detection, STT and TTS are external
// collaborators: the core consumes text and returns text.
package hachimi
