package hachimi

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// scriptedProvider replays a fixed sequence of responses; past the end
// it repeats the last one. A nil response slot yields an error.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*ChatResponse
	requests []ChatRequest
}

func (s *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	if s.script[idx] == nil {
		return ChatResponse{}, &ErrLLM{Provider: "scripted", Message: "backend down"}
	}
	return *s.script[idx], nil
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) request(i int) ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedProvider) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// stubRouter serves a fixed catalog and canned invocation results.
// failFirst makes a tool fail with a retryable transport error that
// many times before succeeding.
type stubRouter struct {
	tools   []ToolDescriptor
	prompts []PromptDescriptor

	mu            sync.Mutex
	results       map[string]string
	errs          map[string]error
	failFirst     map[string]int
	invocations   []string
	promptFetches int
}

func (r *stubRouter) ListAllTools() []ToolDescriptor     { return r.tools }
func (r *stubRouter) ListAllPrompts() []PromptDescriptor { return r.prompts }

func (r *stubRouter) Invoke(_ context.Context, name string, _ json.RawMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations = append(r.invocations, name)
	if n := r.failFirst[name]; n > 0 {
		r.failFirst[name] = n - 1
		return "", &TransportError{Server: "stub", Err: ErrServerUnavailable}
	}
	if err, ok := r.errs[name]; ok {
		return "", err
	}
	return r.results[name], nil
}

func (r *stubRouter) GetPrompt(_ context.Context, server, name string, _ map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promptFetches++
	for _, p := range r.prompts {
		if p.Name == name && (server == "" || p.Server == server) {
			return "user: use " + name, nil
		}
	}
	return "", ErrUnknownServer
}

func (r *stubRouter) Stats() RouterStats {
	return RouterStats{Servers: map[string]ServerStats{}, Tools: len(r.tools)}
}

func (r *stubRouter) invocationCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inv := range r.invocations {
		if inv == name {
			n++
		}
	}
	return n
}

func toolCallResponse(calls ...ToolCall) *ChatResponse {
	return &ChatResponse{ToolCalls: calls}
}

func textResponse(text string) *ChatResponse {
	return &ChatResponse{Content: text}
}

func testAgent(p Provider, r ToolRouter, opts ...AgentOption) *Agent {
	base := []AgentOption{
		WithSystemPrompt("assistant"),
		WithTopK(5),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: 1}),
	}
	return NewAgent(p, r, append(base, opts...)...)
}

func TestAgentChatDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{textResponse("hello there")}}
	router := &stubRouter{tools: catalogFixture()}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := agent.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello there" {
		t.Errorf("got %q", got)
	}
	// System prompt leads the model-visible window.
	req := provider.request(0)
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "assistant") {
		t.Errorf("system prompt missing from request: %v", req.Messages[0])
	}
	if len(req.Tools) == 0 {
		t.Error("selected tools missing from request")
	}
}

func TestAgentChatToolRound(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{"city":"tokyo"}`)}),
		textResponse("it is sunny in tokyo"),
	}}
	router := &stubRouter{
		tools:   catalogFixture(),
		results: map[string]string{"get_forecast": "sunny, 25C"},
	}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := agent.Chat(context.Background(), "weather in tokyo?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "it is sunny in tokyo" {
		t.Errorf("got %q", got)
	}
	if n := router.invocationCount("get_forecast"); n != 1 {
		t.Errorf("expected 1 invocation, got %d", n)
	}
	// The second model call must see the tool result.
	second := provider.request(1)
	var sawResult bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.Content == "sunny, 25C" && m.ToolCallID == "c1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result not fed back to the model")
	}
}

func TestAgentToolFailureSynthesizedForModel(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{}`)}),
		textResponse("sorry, the weather service is down"),
	}}
	router := &stubRouter{
		tools: catalogFixture(),
		errs:  map[string]error{"get_forecast": &TransportError{Server: "weather", Err: ErrServerUnavailable}},
	}
	agent := testAgent(provider, router)

	got, err := agent.Chat(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("tool failure must not fail the utterance: %v", err)
	}
	if got != "sorry, the weather service is down" {
		t.Errorf("got %q", got)
	}
	second := provider.request(1)
	var sawFailure bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "failed") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("synthesized failure result not fed back to the model")
	}
	if agent.Stats().ToolErrors != 1 {
		t.Errorf("expected 1 tool error, got %d", agent.Stats().ToolErrors)
	}
}

func TestAgentRetriesTransientToolFailure(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{}`)}),
		textResponse("done"),
	}}
	router := &stubRouter{
		tools:     catalogFixture(),
		results:   map[string]string{"get_forecast": "sunny"},
		failFirst: map[string]int{"get_forecast": 1},
	}
	agent := testAgent(provider, router)

	if _, err := agent.Chat(context.Background(), "weather?"); err != nil {
		t.Fatal(err)
	}
	if n := router.invocationCount("get_forecast"); n != 2 {
		t.Errorf("expected a retry (2 invocations), got %d", n)
	}
	if agent.Stats().ToolErrors != 0 {
		t.Errorf("recovered call must not count as a tool error")
	}
}

func TestAgentDoesNotRetryRoutingErrors(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "no_such_tool", Args: json.RawMessage(`{}`)}),
		textResponse("done"),
	}}
	router := &stubRouter{
		tools: catalogFixture(),
		errs:  map[string]error{"no_such_tool": ErrUnknownTool},
	}
	agent := testAgent(provider, router)

	if _, err := agent.Chat(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if n := router.invocationCount("no_such_tool"); n != 1 {
		t.Errorf("routing errors must not be retried, got %d invocations", n)
	}
}

func TestAgentModelFailureFailsUtteranceOnly(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{nil, textResponse("recovered")}}
	router := &stubRouter{tools: catalogFixture()}
	agent := testAgent(provider, router)

	if _, err := agent.Chat(context.Background(), "first"); err == nil {
		t.Fatal("expected model failure to surface")
	}
	if agent.Stats().TotalErrors != 1 {
		t.Errorf("expected 1 error, got %d", agent.Stats().TotalErrors)
	}

	// The conversation survives and the next utterance works.
	got, err := agent.Chat(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if got != "recovered" {
		t.Errorf("got %q", got)
	}
	second := provider.request(1)
	var sawFirst bool
	for _, m := range second.Messages {
		if m.Role == "user" && m.Content == "first" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Error("failed utterance should remain in the window")
	}
}

func TestAgentRoundBudgetExhausted(t *testing.T) {
	// The model keeps asking for tools forever.
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{}`)}),
	}}
	router := &stubRouter{
		tools:   catalogFixture(),
		results: map[string]string{"get_forecast": "sunny"},
	}
	agent := testAgent(provider, router, WithMaxToolRounds(2))

	got, err := agent.Chat(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("round exhaustion must answer best-effort, not error: %v", err)
	}
	if got == "" {
		t.Error("expected a non-empty best-effort answer")
	}
	if provider.requestCount() != 2 {
		t.Errorf("expected exactly 2 model calls, got %d", provider.requestCount())
	}
	if agent.Stats().TotalErrors != 1 {
		t.Errorf("round exhaustion should count as an error, got %d", agent.Stats().TotalErrors)
	}
}

func TestAgentParallelDispatchPreservesCallOrder(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(
			ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{}`)},
			ToolCall{ID: "c2", Name: "play_song", Args: json.RawMessage(`{}`)},
			ToolCall{ID: "c3", Name: "set_alarm", Args: json.RawMessage(`{}`)},
		),
		textResponse("all done"),
	}}
	router := &stubRouter{
		tools: catalogFixture(),
		results: map[string]string{
			"get_forecast": "sunny",
			"play_song":    "playing",
			"set_alarm":    "armed",
		},
	}
	agent := testAgent(provider, router)

	if _, err := agent.Chat(context.Background(), "do three things"); err != nil {
		t.Fatal(err)
	}
	second := provider.request(1)
	var toolMsgs []ChatMessage
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("expected 3 tool results, got %d", len(toolMsgs))
	}
	wantIDs := []string{"c1", "c2", "c3"}
	for i, m := range toolMsgs {
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("result %d: got call id %s, want %s", i, m.ToolCallID, wantIDs[i])
		}
	}
	if agent.Stats().TotalToolCalls != 3 {
		t.Errorf("expected 3 tool calls, got %d", agent.Stats().TotalToolCalls)
	}
}

func TestAgentStartComposesPromptFromCatalog(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{textResponse("ok")}}
	router := &stubRouter{
		tools:   catalogFixture(),
		prompts: []PromptDescriptor{{Name: "daily_briefing", Server: "home", Description: "morning summary"}},
	}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if agent.Stats().Selector.TotalTools != 3 {
		t.Errorf("index not built, got %d tools", agent.Stats().Selector.TotalTools)
	}
	if _, err := agent.Chat(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	sys := provider.request(0).Messages[0]
	if !strings.Contains(sys.Content, "daily_briefing") {
		t.Errorf("remote prompt missing from system prompt:\n%s", sys.Content)
	}
}

func TestAgentEmptyUtteranceIsIgnored(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{textResponse("ok")}}
	router := &stubRouter{tools: catalogFixture()}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, input := range []string{"", "   ", "\t\n"} {
		got, err := agent.Chat(context.Background(), input)
		if err != nil || got != "" {
			t.Errorf("blank input %q: got %q, %v", input, got, err)
		}
	}
	if provider.requestCount() != 0 {
		t.Errorf("blank input must not reach the model, got %d calls", provider.requestCount())
	}
	stats := agent.Stats()
	if stats.TotalChats != 0 || stats.Context.Messages != 0 {
		t.Errorf("blank input must not touch state: chats=%d messages=%d", stats.TotalChats, stats.Context.Messages)
	}
}

func TestAgentMalformedToolArgsNotDispatched(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{
		toolCallResponse(ToolCall{ID: "c1", Name: "get_forecast", Args: json.RawMessage(`{"city":`)}),
		textResponse("sorry about that"),
	}}
	router := &stubRouter{
		tools:   catalogFixture(),
		results: map[string]string{"get_forecast": "sunny"},
	}
	agent := testAgent(provider, router)

	got, err := agent.Chat(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("broken arguments must not fail the utterance: %v", err)
	}
	if got != "sorry about that" {
		t.Errorf("got %q", got)
	}
	if n := router.invocationCount("get_forecast"); n != 0 {
		t.Errorf("broken arguments must not be sent over the wire, got %d invocations", n)
	}
	second := provider.request(1)
	var sawFailure bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" && strings.Contains(m.Content, "not valid JSON") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("synthesized parse failure not fed back to the model")
	}
	if agent.Stats().ToolErrors != 1 {
		t.Errorf("expected 1 tool error, got %d", agent.Stats().ToolErrors)
	}
}

func TestAgentLoadPromptCaches(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{textResponse("ok")}}
	router := &stubRouter{
		tools:   catalogFixture(),
		prompts: []PromptDescriptor{{Name: "daily_briefing", Server: "home"}},
	}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	body, err := agent.LoadPrompt(context.Background(), "home", "daily_briefing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if body != "user: use daily_briefing" {
		t.Errorf("got %q", body)
	}
	if _, err := agent.LoadPrompt(context.Background(), "home", "daily_briefing", nil); err != nil {
		t.Fatal(err)
	}
	if router.promptFetches != 1 {
		t.Errorf("second load should hit the cache, got %d fetches", router.promptFetches)
	}
	stats := agent.Stats().Prompts
	if stats.Loads != 1 || stats.CacheHits != 1 || stats.Cached != 1 {
		t.Errorf("unexpected prompt stats: %+v", stats)
	}

	// Different arguments are a different cache entry, and a refresh
	// drops the cache.
	if _, err := agent.LoadPrompt(context.Background(), "home", "daily_briefing", map[string]string{"city": "tokyo"}); err != nil {
		t.Fatal(err)
	}
	if router.promptFetches != 2 {
		t.Errorf("distinct arguments must fetch, got %d fetches", router.promptFetches)
	}
	if err := agent.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if agent.Stats().Prompts.Cached != 0 {
		t.Error("refresh should invalidate cached prompt bodies")
	}
}

func TestAgentClearContext(t *testing.T) {
	provider := &scriptedProvider{script: []*ChatResponse{textResponse("ok")}}
	router := &stubRouter{tools: catalogFixture()}
	agent := testAgent(provider, router)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := agent.Chat(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	agent.ClearContext(true)
	stats := agent.Stats()
	if stats.Context.Messages != 0 {
		t.Errorf("window should be empty, got %d messages", stats.Context.Messages)
	}
	if stats.Context.SystemMessages != 1 {
		t.Errorf("system prompt should survive ClearContext(true), got %d", stats.Context.SystemMessages)
	}
}
