// Command hachimi runs the agent core as a line-based REPL: one user
// utterance per line on stdin, one answer per line on stdout. The
// surrounding voice pipeline (STT in, TTS out) talks to it the same
// way.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyijun/hachimi"
	"github.com/cyijun/hachimi/internal/config"
	"github.com/cyijun/hachimi/mcp"
	"github.com/cyijun/hachimi/observer"
	"github.com/cyijun/hachimi/provider/openai"
)

func main() {
	// 1. Load config
	cfg, err := config.Load(os.Getenv("HACHIMI_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Create providers
	var provider hachimi.Provider = openai.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var embedding hachimi.EmbeddingProvider
	if cfg.Embedding.Enabled {
		embedding = openai.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)
	}

	// 3. Connect servers
	var router hachimi.ToolRouter
	registry := mcp.NewRegistry(mcp.WithLogger(logger))
	defer registry.Close()
	router = registry

	transports, err := cfg.Transports()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if failures := registry.RegisterAll(ctx, transports); len(failures) > 0 {
		for name, err := range failures {
			logger.Warn("server unavailable, continuing without it", "server", name, "error", err)
		}
	}

	// 4. Observer (opt-in via config)
	var tracer hachimi.Tracer
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(context.Background())

		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		if embedding != nil {
			embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
		}
		router = observer.WrapRouter(router, inst)
		tracer = observer.NewTracer()
		logger.Info("OTEL observability enabled")
	}

	// 5. Build the agent
	opts := []hachimi.AgentOption{
		hachimi.WithSystemPrompt(cfg.Agent.SystemPrompt),
		hachimi.WithTopK(cfg.Selection.TopK),
		hachimi.WithMaxToolRounds(cfg.Agent.MaxToolRounds),
		hachimi.WithRetryPolicy(hachimi.RetryPolicy{
			MaxAttempts: cfg.Agent.RetryAttempts,
			BaseDelay:   time.Duration(cfg.Agent.RetryDelayMS) * time.Millisecond,
		}),
		hachimi.WithLogger(logger),
		hachimi.WithSelectorOptions(hachimi.WithCacheCapacity(cfg.Selection.CacheCapacity)),
		hachimi.WithContextOptions(
			hachimi.WithMaxTurns(cfg.Context.MaxTurns),
			hachimi.WithMaxMessageAge(time.Duration(cfg.Context.MaxAgeSeconds)*time.Second),
			hachimi.WithTokenBudget(cfg.Context.TokenBudget),
			hachimi.WithKeepRecentTurns(cfg.Context.KeepRecentTurns),
		),
	}
	if embedding != nil {
		opts = append(opts, hachimi.WithEmbedding(embedding))
	}
	if tracer != nil {
		opts = append(opts, hachimi.WithTracer(tracer))
	}
	if cfg.Context.SummaryTemplate != "" {
		opts = append(opts, hachimi.WithContextOptions(hachimi.WithSummaryTemplate(cfg.Context.SummaryTemplate)))
	}
	if cfg.Context.SummaryRole != "" {
		opts = append(opts, hachimi.WithContextOptions(hachimi.WithSummaryRole(cfg.Context.SummaryRole)))
	}

	agent := hachimi.NewAgent(provider, router, opts...)
	if err := agent.Start(ctx); err != nil {
		log.Fatalf("agent: %v", err)
	}

	stats := agent.Stats()
	logger.Info("agent ready",
		"tools", stats.Selector.TotalTools,
		"servers", len(stats.Router.Servers),
		"selection", stats.Selector.Mode)

	// 6. REPL
	if err := repl(ctx, agent, logger); err != nil {
		log.Fatalf("repl: %v", err)
	}
}

// repl reads one utterance per line. Lines starting with "/" are local
// commands: /clear drops the conversation, /stats dumps the monitoring
// tree, /prompt fetches a server prompt template, /quit exits.
func repl(ctx context.Context, agent *hachimi.Agent, logger *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
				continue
			case text == "/quit" || text == "/exit":
				return nil
			case text == "/clear":
				agent.ClearContext(true)
				fmt.Println("(context cleared)")
				continue
			case text == "/stats":
				printStats(agent.Stats())
				continue
			case strings.HasPrefix(text, "/prompt"):
				loadPrompt(ctx, agent, text)
				continue
			}

			reply, err := agent.Chat(ctx, text)
			if err != nil {
				logger.Error("chat failed", "error", err)
				fmt.Println("(something went wrong, try again)")
				continue
			}
			fmt.Println(reply)
		}
	}
}

// loadPrompt handles "/prompt [server] name": with one argument every
// connected server is searched.
func loadPrompt(ctx context.Context, agent *hachimi.Agent, text string) {
	fields := strings.Fields(text)
	var server, name string
	switch len(fields) {
	case 2:
		name = fields[1]
	case 3:
		server, name = fields[1], fields[2]
	default:
		fmt.Println("usage: /prompt [server] name")
		return
	}
	body, err := agent.LoadPrompt(ctx, server, name, nil)
	if err != nil {
		fmt.Printf("(prompt load failed: %v)\n", err)
		return
	}
	fmt.Println(body)
}

func printStats(s hachimi.AgentStats) {
	fmt.Printf("chats=%d tool_calls=%d tool_errors=%d errors=%d tokens_in=%d tokens_out=%d\n",
		s.TotalChats, s.TotalToolCalls, s.ToolErrors, s.TotalErrors, s.InputTokens, s.OutputTokens)
	fmt.Printf("context: messages=%d turns=%d/%d est_tokens=%d/%d summarized=%d merged=%d\n",
		s.Context.Messages, s.Context.Turns, s.Context.MaxTurns,
		s.Context.EstimatedTokens, s.Context.TokenBudget,
		s.Context.Summarizations, s.Context.Merges)
	fmt.Printf("selector: mode=%s tools=%d vectors=%d cached=%d top_k=%d\n",
		s.Selector.Mode, s.Selector.TotalTools, s.Selector.IndexedVectors,
		s.Selector.CachedQueries, s.Selector.TopK)
	fmt.Printf("prompts: loads=%d cache_hits=%d cached=%d\n",
		s.Prompts.Loads, s.Prompts.CacheHits, s.Prompts.Cached)
	for name, srv := range s.Router.Servers {
		fmt.Printf("server %s: connected=%t transport=%s tools=%d prompts=%d calls=%d errors=%d",
			name, srv.Connected, srv.Transport, srv.Tools, srv.Prompts, srv.Calls, srv.Errors)
		if srv.LastError != "" {
			fmt.Printf(" last_error=%q", srv.LastError)
		}
		fmt.Println()
	}
}
