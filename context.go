package hachimi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Defaults for the conversation window. A turn is one user message plus
// every assistant and tool message produced before the next user
// message.
const (
	defaultMaxTurns        = 20
	defaultMaxMessageAge   = 30 * time.Minute
	defaultTokenBudget     = 8000
	defaultKeepRecentTurns = 2
	defaultSummaryTokens   = 300
)

// defaultSummaryTemplate asks the model to compress older turns. The
// {max_tokens} placeholder is replaced with the summary token limit.
const defaultSummaryTemplate = "Summarize the following conversation in at most " +
	"{max_tokens} tokens. Preserve facts, names, numbers, and any decisions " +
	"made. Write in the third person.\n\n{conversation}"

// ContextManager keeps the bounded conversation window. System messages
// are pinned and never evicted. Every append runs a cleanup pass: aged
// turns are removed first, then turn-count overflow is handled — turns
// are dropped outright when no summarizer is configured, and compressed
// into a single synthetic summary message otherwise. EnsureBudget adds
// a token-estimate trigger for the same compression. Summarization
// failure degrades to a deterministic text merge, so compression never
// loses content and never errors out.
type ContextManager struct {
	mu sync.Mutex

	maxTurns    int
	maxAge      time.Duration
	tokenBudget int

	keepRecent      int
	summaryTokens   int
	summaryTemplate string
	summaryRole     string
	summarizer      Provider // nil means turn overflow drops instead of compressing
	logger          *slog.Logger

	system  []Message
	summary *Message // compressed older turns; sits between system and window
	window  []Message

	evictedTurns   int
	summarizations int
	merges         int
}

// ContextStats is a read-only snapshot for the monitoring layer.
type ContextStats struct {
	Messages        int   `json:"messages"`
	SystemMessages  int   `json:"system_messages"`
	Turns           int   `json:"turns"`
	MaxTurns        int   `json:"max_turns"`
	EstimatedTokens int   `json:"estimated_tokens"`
	TokenBudget     int   `json:"token_budget"`
	EvictedTurns    int   `json:"evicted_turns"`
	Summarizations  int   `json:"summarizations"`
	Merges          int   `json:"merges"`
	MaxAgeSeconds   int64 `json:"max_age_seconds"`
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithMaxTurns bounds the window to n user turns (default 20).
func WithMaxTurns(n int) ContextOption {
	return func(c *ContextManager) { c.maxTurns = n }
}

// WithMaxMessageAge evicts turns whose newest message is older than d
// (default 30m). Zero disables age eviction.
func WithMaxMessageAge(d time.Duration) ContextOption {
	return func(c *ContextManager) { c.maxAge = d }
}

// WithTokenBudget sets the estimated-token ceiling that triggers
// compression in EnsureBudget (default 8000).
func WithTokenBudget(n int) ContextOption {
	return func(c *ContextManager) { c.tokenBudget = n }
}

// WithSummarizer sets the model used to compress older turns. With one
// configured, turn-count overflow summarizes instead of dropping; the
// deterministic text merge covers model failures.
func WithSummarizer(p Provider) ContextOption {
	return func(c *ContextManager) { c.summarizer = p }
}

// WithSummaryTemplate overrides the summarization prompt. It may use
// the {max_tokens} and {conversation} placeholders.
func WithSummaryTemplate(tpl string) ContextOption {
	return func(c *ContextManager) { c.summaryTemplate = tpl }
}

// WithSummaryRole sets the role of the synthetic summary message
// (default "user"; some backends reject system messages mid-window).
func WithSummaryRole(role string) ContextOption {
	return func(c *ContextManager) { c.summaryRole = role }
}

// WithKeepRecentTurns keeps the newest n turns verbatim during
// token-budget compression (default 2).
func WithKeepRecentTurns(n int) ContextOption {
	return func(c *ContextManager) { c.keepRecent = n }
}

// WithContextLogger sets the structured logger for eviction and
// summarization events.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *ContextManager) { c.logger = l }
}

// NewContextManager creates a conversation window with the given bounds.
func NewContextManager(opts ...ContextOption) *ContextManager {
	c := &ContextManager{
		maxTurns:        defaultMaxTurns,
		maxAge:          defaultMaxMessageAge,
		tokenBudget:     defaultTokenBudget,
		keepRecent:      defaultKeepRecentTurns,
		summaryTokens:   defaultSummaryTokens,
		summaryTemplate: defaultSummaryTemplate,
		summaryRole:     "user",
		logger:          nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxTurns <= 0 {
		c.maxTurns = defaultMaxTurns
	}
	if c.keepRecent < 1 {
		c.keepRecent = 1
	}
	return c
}

// SetSystemPrompt replaces the pinned system messages with one message.
func (c *ContextManager) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = []Message{{Role: "system", Content: text, Timestamp: time.Now()}}
}

// Append adds a message to the window and runs the cleanup pass: age
// eviction, then turn-count overflow. With a summarizer configured the
// overflowed turns are compressed (blocking on the model, merging on
// failure) rather than discarded.
func (c *ContextManager) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.window = append(c.window, msg)
	c.evictAgedLocked(time.Now())
	old := c.takeTurnOverflowLocked()
	c.mu.Unlock()

	if len(old) > 0 {
		c.compress(context.Background(), old)
	}
}

// AppendUser, AppendAssistant and AppendToolResult are shorthands for
// the common roles.
func (c *ContextManager) AppendUser(text string) {
	c.Append(Message{Role: "user", Content: text})
}

func (c *ContextManager) AppendAssistant(text string, calls []ToolCall) {
	c.Append(Message{Role: "assistant", Content: text, ToolCalls: calls})
}

func (c *ContextManager) AppendToolResult(callID, content string) {
	c.Append(Message{Role: "tool", Content: content, ToolCallID: callID})
}

// Messages returns the model-visible window: pinned system messages,
// the summary of compressed turns when one exists, then the verbatim
// conversation in order.
func (c *ContextManager) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, 0, len(c.system)+1+len(c.window))
	for _, m := range c.system {
		out = append(out, m.Chat())
	}
	if c.summary != nil {
		out = append(out, c.summary.Chat())
	}
	for _, m := range c.window {
		out = append(out, m.Chat())
	}
	return out
}

// EnsureBudget compresses the window when the token estimate exceeds
// the budget: all but the keepRecent newest turns are folded into the
// summary. Never returns an error.
func (c *ContextManager) EnsureBudget(ctx context.Context) {
	c.mu.Lock()
	if c.tokenBudget <= 0 || c.estimateLocked() <= c.tokenBudget {
		c.mu.Unlock()
		return
	}
	old := c.takeForBudgetLocked()
	c.mu.Unlock()

	if len(old) > 0 {
		c.compress(ctx, old)
	}
}

// compress folds the given messages (oldest first, prior summary
// included by the caller) into the summary slot, via the model or the
// deterministic merge.
func (c *ContextManager) compress(ctx context.Context, old []Message) {
	text, viaModel := c.summarize(ctx, renderTranscript(old))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = &Message{
		Role:      c.summaryRole,
		Content:   "[Conversation summary]\n" + text,
		Timestamp: time.Now(),
	}
	if viaModel {
		c.summarizations++
	} else {
		c.merges++
	}
	c.logger.Info("conversation window compressed",
		"compressed_messages", len(old),
		"via_model", viaModel)
}

// summarize asks the model to compress the transcript. The fallback
// merge is pure string work and cannot fail.
func (c *ContextManager) summarize(ctx context.Context, transcript string) (string, bool) {
	if c.summarizer == nil {
		return mergeTranscript(transcript), false
	}
	prompt := strings.ReplaceAll(c.summaryTemplate, "{max_tokens}", fmt.Sprintf("%d", c.summaryTokens))
	prompt = strings.ReplaceAll(prompt, "{conversation}", transcript)
	resp, err := c.summarizer.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{UserMessage(prompt)},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		c.logger.Warn("summarization failed, merging text instead", "error", err)
		return mergeTranscript(transcript), false
	}
	return resp.Content, true
}

// Clear drops the conversation window and its summary. With keepSystem
// false the pinned system messages go too.
func (c *ContextManager) Clear(keepSystem bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = nil
	c.summary = nil
	if !keepSystem {
		c.system = nil
	}
}

// Stats reports window occupancy and compression counters.
func (c *ContextManager) Stats() ContextStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextStats{
		Messages:        len(c.window),
		SystemMessages:  len(c.system),
		Turns:           countTurns(c.window),
		MaxTurns:        c.maxTurns,
		EstimatedTokens: c.estimateLocked(),
		TokenBudget:     c.tokenBudget,
		EvictedTurns:    c.evictedTurns,
		Summarizations:  c.summarizations,
		Merges:          c.merges,
		MaxAgeSeconds:   int64(c.maxAge.Seconds()),
	}
}

// --- internals (c.mu held) ---

// evictAgedLocked drops leading turns whose newest message is older
// than maxAge. The newest turn is never evicted, so a just-appended
// user message always survives.
func (c *ContextManager) evictAgedLocked(now time.Time) {
	if c.maxAge <= 0 {
		return
	}
	for countTurns(c.window) > 1 {
		end := turnEnd(c.window, 0)
		newest := c.window[end-1].Timestamp
		if now.Sub(newest) <= c.maxAge {
			break
		}
		c.dropOldestTurnLocked()
	}
}

// takeTurnOverflowLocked handles turn-count overflow. Without a
// summarizer the oldest turns are dropped in place and nil is returned.
// With one, the overflowed turns (plus any existing summary, which is
// folded forward) are detached and returned for compression.
func (c *ContextManager) takeTurnOverflowLocked() []Message {
	overflow := countTurns(c.window) - c.maxTurns
	if overflow <= 0 {
		return nil
	}
	if c.summarizer == nil {
		for i := 0; i < overflow; i++ {
			c.dropOldestTurnLocked()
		}
		return nil
	}

	cut := 0
	for i := 0; i < overflow; i++ {
		cut = turnEnd(c.window, cut)
	}
	old := c.detachLocked(cut)
	c.evictedTurns += overflow
	return old
}

// takeForBudgetLocked detaches everything but the keepRecent newest
// turns for token-budget compression.
func (c *ContextManager) takeForBudgetLocked() []Message {
	turns := countTurns(c.window)
	if turns <= c.keepRecent {
		return nil
	}
	cut := 0
	for i := 0; i < turns-c.keepRecent; i++ {
		cut = turnEnd(c.window, cut)
	}
	return c.detachLocked(cut)
}

// detachLocked removes the first cut messages from the window and
// returns them with the current summary folded in front, clearing the
// summary slot for the replacement.
func (c *ContextManager) detachLocked(cut int) []Message {
	old := make([]Message, 0, cut+1)
	if c.summary != nil {
		old = append(old, *c.summary)
		c.summary = nil
	}
	old = append(old, c.window[:cut]...)
	c.window = c.window[cut:]
	return old
}

func (c *ContextManager) dropOldestTurnLocked() {
	end := turnEnd(c.window, 0)
	c.window = c.window[end:]
	c.evictedTurns++
}

func (c *ContextManager) estimateLocked() int {
	total := 0
	for _, m := range c.system {
		total += estimateTokens(m)
	}
	if c.summary != nil {
		total += estimateTokens(*c.summary)
	}
	for _, m := range c.window {
		total += estimateTokens(m)
	}
	return total
}

// estimateTokens approximates tokens as chars/4 plus a small per-message
// overhead. Crude but monotone, which is all budget enforcement needs.
func estimateTokens(m Message) int {
	n := len(m.Content)/4 + 4
	for _, tc := range m.ToolCalls {
		n += (len(tc.Name) + len(tc.Args)) / 4
	}
	return n
}

// countTurns counts user messages; tool and assistant messages belong
// to the turn of the user message that precedes them.
func countTurns(window []Message) int {
	n := 0
	for _, m := range window {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

// turnEnd returns the index one past the last message of the turn
// starting at start: everything up to (not including) the next user
// message, or the window end.
func turnEnd(window []Message, start int) int {
	i := start
	if i < len(window) && window[i].Role == "user" {
		i++
	}
	for i < len(window) && window[i].Role != "user" {
		i++
	}
	return i
}

// renderTranscript flattens messages into "role: content" lines for the
// summarization prompt.
func renderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			content = "(called " + strings.Join(names, ", ") + ")"
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// mergeTranscript is the degraded compression path: the role-prefixed
// lines kept whole, so no content is lost.
func mergeTranscript(transcript string) string {
	return strings.TrimRight(transcript, "\n")
}
