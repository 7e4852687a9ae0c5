package hachimi

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Selector ranks the tool catalog by estimated usefulness to a query.
// Two strategies implement it: VectorSelector (embedding similarity,
// degrading to lexical scoring on embedding failure) and
// LexicalSelector (token overlap only). Callers cannot tell which mode
// served a request; both produce a total ordering.
type Selector interface {
	// BuildIndex replaces the indexed catalog. Individual embedding
	// failures degrade that tool to lexical scoring; BuildIndex itself
	// never fails. The ranking cache is invalidated wholesale.
	BuildIndex(ctx context.Context, tools []ToolDescriptor)
	// Search returns up to top-k tools ranked descending by relevance.
	Search(ctx context.Context, query string) []ToolDescriptor
	// SearchWithScores is Search with the final score attached.
	SearchWithScores(ctx context.Context, query string) []ScoredTool
	// ClearCache empties the ranking cache. The index is untouched, so
	// repeating a query returns the same order as before the clear.
	ClearCache()
	// Stats reports index and cache sizes.
	Stats() SelectorStats
}

// ScoredTool pairs a descriptor with its final relevance score.
type ScoredTool struct {
	Tool  ToolDescriptor
	Score float64
}

// SelectorStats is a read-only snapshot for the monitoring layer.
type SelectorStats struct {
	Mode           string `json:"mode"` // "vector" or "lexical"
	TotalTools     int    `json:"total_tools"`
	IndexedVectors int    `json:"indexed_vectors"`
	CachedQueries  int    `json:"cached_queries"`
	TopK           int    `json:"top_k"`
}

// Bonus added on top of the similarity score when the query matches the
// tool's name: full substring match of the whole query, or any single
// query token contained in the raw or qualified name.
const (
	nameMatchBonus  = 0.3
	tokenMatchBonus = 0.1
)

const defaultCacheCapacity = 128

// --- ranking cache ---

// rankingCache is a bounded query → ranked-order cache with FIFO
// eviction by insertion order. FIFO over LRU is deliberate: recency
// tracking buys little for short voice queries and FIFO keeps eviction
// deterministic.
type rankingCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]cacheEntry
	queue    []string // insertion order, oldest first
}

type cacheEntry struct {
	order      []ToolDescriptor
	insertedAt time.Time
}

func newRankingCache(capacity int) *rankingCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &rankingCache{
		capacity: capacity,
		entries:  make(map[string]cacheEntry),
	}
}

func (c *rankingCache) get(query string) ([]ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[query]
	if !ok {
		return nil, false
	}
	out := make([]ToolDescriptor, len(e.order))
	copy(out, e.order)
	return out, true
}

func (c *rankingCache) put(query string, order []ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[query]; ok {
		c.entries[query] = cacheEntry{order: order, insertedAt: time.Now()}
		return
	}
	if len(c.queue) >= c.capacity {
		oldest := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.entries, oldest)
	}
	c.entries[query] = cacheEntry{order: order, insertedAt: time.Now()}
	c.queue = append(c.queue, query)
}

func (c *rankingCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.queue = nil
}

func (c *rankingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// --- VectorSelector ---

// VectorSelector ranks tools by cosine similarity between the query
// embedding and per-tool embeddings computed at index time. Embedding
// failures degrade to lexical scoring: per tool at index time, for the
// whole call at query time. Never errors out of Search.
type VectorSelector struct {
	embedding EmbeddingProvider
	topK      int
	logger    *slog.Logger

	mu    sync.RWMutex // guards tools; BuildIndex is the only writer
	tools []ToolDescriptor

	cache *rankingCache
}

var _ Selector = (*VectorSelector)(nil)

// SelectorOption configures a selector.
type SelectorOption func(*selectorConfig)

type selectorConfig struct {
	cacheCapacity int
	logger        *slog.Logger
}

// WithCacheCapacity bounds the ranking cache (default 128 queries).
func WithCacheCapacity(n int) SelectorOption {
	return func(c *selectorConfig) { c.cacheCapacity = n }
}

// WithSelectorLogger sets the structured logger for index and degrade events.
func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(c *selectorConfig) { c.logger = l }
}

func buildSelectorConfig(opts []SelectorOption) selectorConfig {
	cfg := selectorConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return cfg
}

// NewVectorSelector creates a Selector backed by the given embedding
// capability, returning at most topK tools per query.
func NewVectorSelector(embedding EmbeddingProvider, topK int, opts ...SelectorOption) *VectorSelector {
	cfg := buildSelectorConfig(opts)
	return &VectorSelector{
		embedding: embedding,
		topK:      topK,
		logger:    cfg.logger,
		cache:     newRankingCache(cfg.cacheCapacity),
	}
}

// BuildIndex embeds each tool's indexing text and stores the vectors on
// the catalog snapshot. A failed embedding leaves that tool with a nil
// vector; it is scored lexically from then on.
func (s *VectorSelector) BuildIndex(ctx context.Context, tools []ToolDescriptor) {
	indexed := make([]ToolDescriptor, len(tools))
	copy(indexed, tools)

	var vectors int
	for i := range indexed {
		embs, err := s.embedding.Embed(ctx, []string{indexingText(indexed[i])})
		if err != nil || len(embs) == 0 || len(embs[0]) == 0 {
			s.logger.Warn("tool embedding failed, falling back to lexical scoring",
				"tool", indexed[i].QualifiedName, "error", err)
			indexed[i].Embedding = nil
			continue
		}
		indexed[i].Embedding = normalize(embs[0])
		vectors++
	}
	s.logger.Info("tool index built", "tools", len(indexed), "vectors", vectors)

	s.mu.Lock()
	s.tools = indexed
	s.mu.Unlock()
	s.cache.clear()
}

// Search returns up to top-k tools, consulting the ranking cache first.
func (s *VectorSelector) Search(ctx context.Context, query string) []ToolDescriptor {
	if cached, ok := s.cache.get(query); ok {
		return cached
	}
	scored := s.score(ctx, query)
	order := truncate(scored, s.topK)
	s.cache.put(query, order)
	return order
}

// SearchWithScores ranks like Search but returns scores, clamped to
// [0, 1]. Results bypass the ranking cache (which stores order only).
func (s *VectorSelector) SearchWithScores(ctx context.Context, query string) []ScoredTool {
	scored := s.score(ctx, query)
	if len(scored) > s.topK {
		scored = scored[:s.topK]
	}
	for i := range scored {
		scored[i].Score = math.Max(0, math.Min(1, scored[i].Score))
	}
	return scored
}

// score produces the full descending ordering for a query. Ties keep
// catalog order (stable sort).
func (s *VectorSelector) score(ctx context.Context, query string) []ScoredTool {
	s.mu.RLock()
	tools := s.tools
	s.mu.RUnlock()

	if len(tools) == 0 {
		return nil
	}
	queryTokens := tokenize(query)

	// One embedding call for the query. Failure degrades this whole
	// call to lexical mode; the error never reaches the caller.
	var queryVec []float32
	embs, err := s.embedding.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 || len(embs[0]) == 0 {
		s.logger.Warn("query embedding failed, serving lexical ranking", "error", err)
	} else {
		queryVec = normalize(embs[0])
	}

	scored := make([]ScoredTool, len(tools))
	for i, tool := range tools {
		var sim float64
		if queryVec != nil && tool.Embedding != nil {
			sim = cosine(queryVec, tool.Embedding)
		} else {
			sim = lexicalScore(queryTokens, tool)
		}
		scored[i] = ScoredTool{Tool: tool, Score: sim + nameBonus(query, queryTokens, tool)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

func (s *VectorSelector) ClearCache() { s.cache.clear() }

func (s *VectorSelector) Stats() SelectorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var vectors int
	for _, t := range s.tools {
		if t.Embedding != nil {
			vectors++
		}
	}
	return SelectorStats{
		Mode:           "vector",
		TotalTools:     len(s.tools),
		IndexedVectors: vectors,
		CachedQueries:  s.cache.len(),
		TopK:           s.topK,
	}
}

// --- LexicalSelector ---

// LexicalSelector ranks tools by token overlap between the query and
// the tool's name + description. It makes no external calls and serves
// as the always-available strategy when no embedding capability is
// configured.
type LexicalSelector struct {
	topK   int
	logger *slog.Logger

	mu    sync.RWMutex
	tools []ToolDescriptor

	cache *rankingCache
}

var _ Selector = (*LexicalSelector)(nil)

// NewLexicalSelector creates a Selector with no embedding dependency.
func NewLexicalSelector(topK int, opts ...SelectorOption) *LexicalSelector {
	cfg := buildSelectorConfig(opts)
	return &LexicalSelector{
		topK:   topK,
		logger: cfg.logger,
		cache:  newRankingCache(cfg.cacheCapacity),
	}
}

func (s *LexicalSelector) BuildIndex(_ context.Context, tools []ToolDescriptor) {
	indexed := make([]ToolDescriptor, len(tools))
	copy(indexed, tools)
	s.mu.Lock()
	s.tools = indexed
	s.mu.Unlock()
	s.cache.clear()
	s.logger.Info("tool index built", "tools", len(indexed), "vectors", 0)
}

func (s *LexicalSelector) Search(_ context.Context, query string) []ToolDescriptor {
	if cached, ok := s.cache.get(query); ok {
		return cached
	}
	order := truncate(s.score(query), s.topK)
	s.cache.put(query, order)
	return order
}

func (s *LexicalSelector) SearchWithScores(_ context.Context, query string) []ScoredTool {
	scored := s.score(query)
	if len(scored) > s.topK {
		scored = scored[:s.topK]
	}
	return scored
}

func (s *LexicalSelector) score(query string) []ScoredTool {
	s.mu.RLock()
	tools := s.tools
	s.mu.RUnlock()

	if len(tools) == 0 {
		return nil
	}
	queryTokens := tokenize(query)
	scored := make([]ScoredTool, len(tools))
	for i, tool := range tools {
		scored[i] = ScoredTool{
			Tool:  tool,
			Score: lexicalScore(queryTokens, tool) + nameBonus(query, queryTokens, tool),
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

func (s *LexicalSelector) ClearCache() { s.cache.clear() }

func (s *LexicalSelector) Stats() SelectorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SelectorStats{
		Mode:          "lexical",
		TotalTools:    len(s.tools),
		CachedQueries: s.cache.len(),
		TopK:          s.topK,
	}
}

// --- shared scoring ---

// indexingText is the text embedded for one tool: name, description and
// owning server, so queries can match any of them.
func indexingText(t ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("tool: ")
	b.WriteString(t.RawName)
	b.WriteString("\n")
	b.WriteString(t.Description)
	b.WriteString("\nserver: ")
	b.WriteString(t.Server)
	return b.String()
}

// lexicalScore is the token-overlap ratio: the fraction of distinct
// query tokens that appear in the tool's name + description.
func lexicalScore(queryTokens []string, tool ToolDescriptor) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	toolTokens := make(map[string]bool)
	for _, tok := range tokenize(tool.RawName + " " + tool.Description) {
		toolTokens[tok] = true
	}
	seen := make(map[string]bool, len(queryTokens))
	var hits, distinct int
	for _, tok := range queryTokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		distinct++
		if toolTokens[tok] {
			hits++
		}
	}
	if distinct == 0 {
		return 0
	}
	return float64(hits) / float64(distinct)
}

// nameBonus rewards direct name matches: the whole query contained in
// the raw or qualified name, or failing that any single query token.
func nameBonus(query string, queryTokens []string, tool ToolDescriptor) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	raw := strings.ToLower(tool.RawName)
	qualified := strings.ToLower(tool.QualifiedName)
	if q != "" && (strings.Contains(raw, q) || strings.Contains(qualified, q)) {
		return nameMatchBonus
	}
	for _, tok := range queryTokens {
		if strings.Contains(raw, tok) || strings.Contains(qualified, tok) {
			return tokenMatchBonus
		}
	}
	return 0
}

// stopWords are dropped during tokenization. English function words
// only; other scripts pass through untouched.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true,
}

// tokenize lowercases, NFKC-folds (full-width CJK punctuation and
// digits normalize to ASCII forms), strips punctuation, and drops stop
// words.
func tokenize(text string) []string {
	folded := norm.NFKC.String(strings.ToLower(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize returns v scaled to unit length, or v unchanged if zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// truncate extracts the descriptors of the top-k scored tools.
func truncate(scored []ScoredTool, topK int) []ToolDescriptor {
	n := len(scored)
	if topK > 0 && topK < n {
		n = topK
	}
	out := make([]ToolDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].Tool
	}
	return out
}
