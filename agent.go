package hachimi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxParallelDispatch caps the worker pool used when the model requests
// several tool calls in one round.
const maxParallelDispatch = 10

// defaultMaxToolRounds bounds how many model→tools→model round trips a
// single utterance may take before the agent answers with what it has.
const defaultMaxToolRounds = 6

// Agent is the orchestration loop: it takes one user utterance, selects
// the relevant slice of the tool catalog, and drives the model through
// tool-call rounds until it produces a final text answer. Chat is
// serialized; the conversation window is shared state.
type Agent struct {
	provider Provider
	router   ToolRouter
	selector Selector
	composer *PromptComposer
	cm       *ContextManager

	logger *slog.Logger
	tracer Tracer
	retry  RetryPolicy

	maxRounds int

	chatMu sync.Mutex // one utterance at a time

	totalChats     atomic.Int64
	totalToolCalls atomic.Int64
	toolErrors     atomic.Int64
	totalErrors    atomic.Int64
	inputTokens    atomic.Int64
	outputTokens   atomic.Int64
	startedAt      time.Time
}

// AgentStats is the monitoring tree: loop counters plus snapshots of
// the window, the selector, and the registry.
type AgentStats struct {
	TotalChats     int64         `json:"total_chats"`
	TotalToolCalls int64         `json:"total_tool_calls"`
	ToolErrors     int64         `json:"tool_errors"`
	TotalErrors    int64         `json:"total_errors"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	Context        ContextStats  `json:"context"`
	Selector       SelectorStats `json:"selector"`
	Router         RouterStats   `json:"router"`
	Prompts        PromptStats   `json:"prompts"`
}

// AgentOption configures an Agent.
type AgentOption func(*agentConfig)

type agentConfig struct {
	embedding    EmbeddingProvider
	selector     Selector
	systemPrompt string
	topK         int
	maxRounds    int
	retry        RetryPolicy
	logger       *slog.Logger
	tracer       Tracer
	ctxOpts      []ContextOption
	selOpts      []SelectorOption
}

// WithEmbedding enables vector tool selection. Without it the agent
// ranks tools lexically.
func WithEmbedding(e EmbeddingProvider) AgentOption {
	return func(c *agentConfig) { c.embedding = e }
}

// WithSelector replaces the built-in selector entirely.
func WithSelector(s Selector) AgentOption {
	return func(c *agentConfig) { c.selector = s }
}

// WithSystemPrompt sets the base instruction the prompt composer builds on.
func WithSystemPrompt(text string) AgentOption {
	return func(c *agentConfig) { c.systemPrompt = text }
}

// WithTopK bounds how many tools are exposed to the model per utterance
// (default 5).
func WithTopK(k int) AgentOption {
	return func(c *agentConfig) { c.topK = k }
}

// WithMaxToolRounds bounds model→tools→model round trips per utterance
// (default 6).
func WithMaxToolRounds(n int) AgentOption {
	return func(c *agentConfig) { c.maxRounds = n }
}

// WithRetryPolicy configures retries for transient tool failures.
func WithRetryPolicy(p RetryPolicy) AgentOption {
	return func(c *agentConfig) { c.retry = p }
}

// WithLogger sets the structured logger; it propagates to the selector
// and the conversation window.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer enables span tracing of chats and tool dispatches.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithContextOptions passes options through to the conversation window.
func WithContextOptions(opts ...ContextOption) AgentOption {
	return func(c *agentConfig) { c.ctxOpts = append(c.ctxOpts, opts...) }
}

// WithSelectorOptions passes options through to the built-in selector.
func WithSelectorOptions(opts ...SelectorOption) AgentOption {
	return func(c *agentConfig) { c.selOpts = append(c.selOpts, opts...) }
}

// NewAgent assembles the loop around a model backend and a tool router.
func NewAgent(provider Provider, router ToolRouter, opts ...AgentOption) *Agent {
	cfg := agentConfig{
		topK:      5,
		maxRounds: defaultMaxToolRounds,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.maxRounds <= 0 {
		cfg.maxRounds = defaultMaxToolRounds
	}

	selector := cfg.selector
	if selector == nil {
		selOpts := append([]SelectorOption{WithSelectorLogger(cfg.logger)}, cfg.selOpts...)
		if cfg.embedding != nil {
			selector = NewVectorSelector(cfg.embedding, cfg.topK, selOpts...)
		} else {
			selector = NewLexicalSelector(cfg.topK, selOpts...)
		}
	}

	ctxOpts := append([]ContextOption{
		WithSummarizer(provider),
		WithContextLogger(cfg.logger),
	}, cfg.ctxOpts...)

	return &Agent{
		provider:  provider,
		router:    router,
		selector:  selector,
		composer:  NewPromptComposer(cfg.systemPrompt),
		cm:        NewContextManager(ctxOpts...),
		logger:    cfg.logger,
		tracer:    cfg.tracer,
		retry:     cfg.retry,
		maxRounds: cfg.maxRounds,
		startedAt: time.Now(),
	}
}

// Start builds the tool index and composes the system prompt from the
// router's current catalog. Call it after server registration and again
// via Refresh if the catalog changes.
func (a *Agent) Start(ctx context.Context) error {
	return a.Refresh(ctx)
}

// Refresh re-reads the router's catalog: rebuilds the selector index
// (invalidating the ranking cache), drops cached prompt bodies, and
// recomposes the system prompt.
func (a *Agent) Refresh(ctx context.Context) error {
	tools := a.router.ListAllTools()
	a.selector.BuildIndex(ctx, tools)
	a.composer.invalidate()
	a.cm.SetSystemPrompt(a.composer.Compose(a.router.ListAllPrompts()))
	a.logger.Info("agent catalog refreshed", "tools", len(tools))
	return nil
}

// LoadPrompt fetches one prompt template body through the router,
// cached until the next Refresh. An empty server searches every
// connected server.
func (a *Agent) LoadPrompt(ctx context.Context, server, name string, args map[string]string) (string, error) {
	return a.composer.LoadPrompt(ctx, a.router, server, name, args)
}

// Chat processes one user utterance and returns the model's final text
// answer. Tool failures are fed back to the model as failure results;
// only a model failure aborts the utterance. Concurrent callers are
// serialized.
func (a *Agent) Chat(ctx context.Context, text string) (string, error) {
	// Blank utterances (STT silence) pass through without touching the
	// window or the counters.
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	a.chatMu.Lock()
	defer a.chatMu.Unlock()

	chatID := NewID()
	logger := a.logger.With("chat_id", chatID)

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.chat",
			StringAttr("chat_id", chatID), IntAttr("input_chars", len(text)))
		defer span.End()
	}

	a.totalChats.Add(1)
	a.cm.AppendUser(text)
	a.cm.EnsureBudget(ctx)

	// Tools are selected once per utterance from the user's own words
	// and stay fixed across rounds.
	selected := a.selector.Search(ctx, text)
	if len(selected) == 0 {
		selected = a.router.ListAllTools()
	}
	defs := make([]ToolDefinition, len(selected))
	for i, t := range selected {
		defs[i] = t.Definition()
	}
	logger.Debug("tools selected", "count", len(defs))

	var lastText string
	for round := 0; round < a.maxRounds; round++ {
		resp, err := a.provider.Chat(ctx, ChatRequest{Messages: a.cm.Messages(), Tools: defs})
		if err != nil {
			// The user message stays in the window; only this
			// utterance fails.
			a.totalErrors.Add(1)
			if span != nil {
				span.Error(err)
			}
			logger.Error("model call failed", "round", round, "error", err)
			return "", fmt.Errorf("chat: %w", err)
		}
		a.inputTokens.Add(int64(resp.Usage.InputTokens))
		a.outputTokens.Add(int64(resp.Usage.OutputTokens))
		a.cm.AppendAssistant(resp.Content, resp.ToolCalls)

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		lastText = resp.Content
		if span != nil {
			span.Event("tool_round", IntAttr("round", round), IntAttr("calls", len(resp.ToolCalls)))
		}
		for _, r := range a.dispatchParallel(ctx, resp.ToolCalls) {
			a.cm.AppendToolResult(r.callID, r.content)
		}
	}

	// Round budget exhausted: answer with the model's last text rather
	// than burning another call.
	a.totalErrors.Add(1)
	logger.Warn("tool round budget exhausted", "max_rounds", a.maxRounds)
	if lastText == "" {
		lastText = "I could not complete that request with the available tools."
	}
	return lastText, nil
}

// ClearContext empties the conversation window. The system prompt is
// kept unless keepSystem is false.
func (a *Agent) ClearContext(keepSystem bool) {
	a.cm.Clear(keepSystem)
}

// Stats returns the full monitoring tree.
func (a *Agent) Stats() AgentStats {
	return AgentStats{
		TotalChats:     a.totalChats.Load(),
		TotalToolCalls: a.totalToolCalls.Load(),
		ToolErrors:     a.toolErrors.Load(),
		TotalErrors:    a.totalErrors.Load(),
		InputTokens:    a.inputTokens.Load(),
		OutputTokens:   a.outputTokens.Load(),
		UptimeSeconds:  int64(time.Since(a.startedAt).Seconds()),
		Context:        a.cm.Stats(),
		Selector:       a.selector.Stats(),
		Router:         a.router.Stats(),
		Prompts:        a.composer.Stats(),
	}
}

// --- parallel dispatch ---

type dispatchResult struct {
	idx     int
	callID  string
	content string
}

// dispatchParallel runs the round's tool calls on a bounded worker
// pool. Every call produces a result message: failures (after retries)
// are synthesized into failure text so the model can react, and one
// failing call never blocks its siblings. Results come back in call
// order.
func (a *Agent) dispatchParallel(ctx context.Context, calls []ToolCall) []dispatchResult {
	workers := len(calls)
	if workers > maxParallelDispatch {
		workers = maxParallelDispatch
	}
	jobs := make(chan int)
	results := make(chan dispatchResult, len(calls))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- a.invokeOne(ctx, i, calls[i])
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range calls {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]dispatchResult, 0, len(calls))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].idx < out[j].idx })
	return out
}

func (a *Agent) invokeOne(ctx context.Context, idx int, call ToolCall) dispatchResult {
	var span Span
	if a.tracer != nil {
		var spanCtx context.Context
		spanCtx, span = a.tracer.Start(ctx, "tool.invoke", StringAttr("tool", call.Name))
		ctx = spanCtx
		defer span.End()
	}
	a.totalToolCalls.Add(1)

	// A model can emit syntactically broken arguments; surface that as
	// a result instead of sending garbage over the wire.
	if len(call.Args) > 0 && !json.Valid(call.Args) {
		a.toolErrors.Add(1)
		err := errors.New("arguments are not valid JSON")
		if span != nil {
			span.Error(err)
		}
		a.logger.Warn("tool call rejected", "tool", call.Name, "error", err)
		return dispatchResult{idx: idx, callID: call.ID, content: fmt.Sprintf("Tool %q failed: %v", call.Name, err)}
	}

	content, err := retryCall(ctx, a.retry, call.Name, a.logger, func() (string, error) {
		return a.router.Invoke(ctx, call.Name, call.Args)
	})
	if err != nil {
		a.toolErrors.Add(1)
		if span != nil {
			span.Error(err)
		}
		a.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		content = fmt.Sprintf("Tool %q failed: %v", call.Name, err)
	}
	return dispatchResult{idx: idx, callID: call.ID, content: content}
}
