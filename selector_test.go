package hachimi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// stubEmbedder serves canned vectors keyed by substring of the input
// text. Unknown texts get the zero vector treatment unless a default is
// set. failAll makes every call error.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32 // substring -> vector
	failOn  string               // inputs containing this substring error
	failAll bool
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if s.failOn != "" && strings.Contains(text, s.failOn) {
			return nil, errors.New("embedding backend down")
		}
		for key, vec := range s.vectors {
			if strings.Contains(text, key) {
				out[i] = vec
				break
			}
		}
		if out[i] == nil {
			out[i] = []float32{0.1, 0.1}
		}
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 2 }
func (s *stubEmbedder) Name() string    { return "stub" }

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func catalogFixture() []ToolDescriptor {
	return []ToolDescriptor{
		{QualifiedName: "get_forecast", RawName: "get_forecast", Server: "weather", Description: "Get the weather forecast for a city"},
		{QualifiedName: "play_song", RawName: "play_song", Server: "music", Description: "Play a song by title"},
		{QualifiedName: "set_alarm", RawName: "set_alarm", Server: "clock", Description: "Set an alarm at a given time"},
	}
}

func TestVectorSelectorRanksBySimilarity(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"get_forecast": {1, 0},
		"play_song":    {0, 1},
		"set_alarm":    {0.5, 0.5},
		"rain":         {1, 0},
	}}
	sel := NewVectorSelector(emb, 2)
	sel.BuildIndex(context.Background(), catalogFixture())

	got := sel.Search(context.Background(), "will it rain tomorrow")
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].QualifiedName != "get_forecast" {
		t.Errorf("expected get_forecast first, got %s", got[0].QualifiedName)
	}
}

func TestVectorSelectorNameBonus(t *testing.T) {
	// Identical vectors for every tool: only the name bonus separates them.
	emb := &stubEmbedder{vectors: map[string][]float32{}}
	sel := NewVectorSelector(emb, 3)
	sel.BuildIndex(context.Background(), catalogFixture())

	got := sel.Search(context.Background(), "set_alarm")
	if got[0].QualifiedName != "set_alarm" {
		t.Fatalf("expected full name match first, got %s", got[0].QualifiedName)
	}
}

func TestVectorSelectorQueryEmbedFailureDegradesToLexical(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"get_forecast": {1, 0},
		"play_song":    {0, 1},
		"set_alarm":    {0.5, 0.5},
	}}
	sel := NewVectorSelector(emb, 3)
	sel.BuildIndex(context.Background(), catalogFixture())

	emb.failAll = true
	got := sel.Search(context.Background(), "play a song")
	if len(got) == 0 {
		t.Fatal("degraded search returned nothing")
	}
	if got[0].QualifiedName != "play_song" {
		t.Errorf("lexical fallback should rank play_song first, got %s", got[0].QualifiedName)
	}
}

func TestVectorSelectorPerToolEmbedFailure(t *testing.T) {
	emb := &stubEmbedder{
		vectors: map[string][]float32{
			"get_forecast": {1, 0},
			"song":         {0, 1},
		},
		failOn: "set_alarm",
	}
	sel := NewVectorSelector(emb, 3)
	sel.BuildIndex(context.Background(), catalogFixture())

	stats := sel.Stats()
	if stats.TotalTools != 3 {
		t.Fatalf("expected 3 tools indexed, got %d", stats.TotalTools)
	}
	if stats.IndexedVectors != 2 {
		t.Fatalf("expected 2 vectors (one tool degraded), got %d", stats.IndexedVectors)
	}

	// The degraded tool is still findable via lexical scoring.
	got := sel.Search(context.Background(), "set an alarm")
	if got[0].QualifiedName != "set_alarm" {
		t.Errorf("expected set_alarm first, got %s", got[0].QualifiedName)
	}
}

func TestVectorSelectorCacheHitSkipsEmbedding(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"get_forecast": {1, 0}}}
	sel := NewVectorSelector(emb, 2)
	sel.BuildIndex(context.Background(), catalogFixture())

	first := sel.Search(context.Background(), "forecast")
	calls := emb.callCount()
	second := sel.Search(context.Background(), "forecast")
	if emb.callCount() != calls {
		t.Error("cache hit should not call the embedding provider")
	}
	if len(first) != len(second) || first[0].QualifiedName != second[0].QualifiedName {
		t.Error("cached order differs from computed order")
	}
}

func TestVectorSelectorBuildIndexInvalidatesCache(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"get_forecast": {1, 0}}}
	sel := NewVectorSelector(emb, 2)
	sel.BuildIndex(context.Background(), catalogFixture())

	sel.Search(context.Background(), "forecast")
	if sel.Stats().CachedQueries != 1 {
		t.Fatalf("expected 1 cached query, got %d", sel.Stats().CachedQueries)
	}
	sel.BuildIndex(context.Background(), catalogFixture()[:1])
	if sel.Stats().CachedQueries != 0 {
		t.Errorf("rebuild should invalidate the cache, got %d entries", sel.Stats().CachedQueries)
	}
}

func TestClearCacheKeepsIndex(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"get_forecast": {1, 0}, "rain": {1, 0}}}
	sel := NewVectorSelector(emb, 3)
	sel.BuildIndex(context.Background(), catalogFixture())

	before := sel.Search(context.Background(), "rain today")
	sel.ClearCache()
	if sel.Stats().CachedQueries != 0 {
		t.Fatal("cache should be empty after clear")
	}
	after := sel.Search(context.Background(), "rain today")
	if len(before) != len(after) {
		t.Fatalf("result size changed after cache clear: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].QualifiedName != after[i].QualifiedName {
			t.Errorf("order changed after cache clear at %d: %s vs %s", i, before[i].QualifiedName, after[i].QualifiedName)
		}
	}
}

func TestRankingCacheFIFOEviction(t *testing.T) {
	c := newRankingCache(2)
	c.put("q1", []ToolDescriptor{{QualifiedName: "a"}})
	c.put("q2", []ToolDescriptor{{QualifiedName: "b"}})
	c.put("q3", []ToolDescriptor{{QualifiedName: "c"}})

	if _, ok := c.get("q1"); ok {
		t.Error("q1 should have been evicted first-in-first-out")
	}
	if _, ok := c.get("q2"); !ok {
		t.Error("q2 should still be cached")
	}
	if _, ok := c.get("q3"); !ok {
		t.Error("q3 should still be cached")
	}
	if c.len() != 2 {
		t.Errorf("cache should hold exactly 2 entries, got %d", c.len())
	}
}

func TestLexicalSelectorOrdering(t *testing.T) {
	sel := NewLexicalSelector(3)
	sel.BuildIndex(context.Background(), catalogFixture())

	got := sel.Search(context.Background(), "what is the weather forecast")
	if got[0].QualifiedName != "get_forecast" {
		t.Fatalf("expected get_forecast first, got %s", got[0].QualifiedName)
	}
	if sel.Stats().Mode != "lexical" {
		t.Errorf("unexpected mode %q", sel.Stats().Mode)
	}
}

func TestLexicalSelectorTieKeepsCatalogOrder(t *testing.T) {
	tools := []ToolDescriptor{
		{QualifiedName: "first", RawName: "first", Description: "does a thing"},
		{QualifiedName: "second", RawName: "second", Description: "does a thing"},
		{QualifiedName: "third", RawName: "third", Description: "does a thing"},
	}
	sel := NewLexicalSelector(3)
	sel.BuildIndex(context.Background(), tools)

	got := sel.Search(context.Background(), "thing")
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if got[i].QualifiedName != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].QualifiedName, w)
		}
	}
}

func TestSearchWithScoresClamped(t *testing.T) {
	// Identical unit vectors plus a full name bonus would exceed 1.0
	// unclamped.
	emb := &stubEmbedder{vectors: map[string][]float32{"": {1, 0}}}
	sel := NewVectorSelector(emb, 3)
	sel.BuildIndex(context.Background(), catalogFixture())

	for _, st := range sel.SearchWithScores(context.Background(), "play_song") {
		if st.Score < 0 || st.Score > 1 {
			t.Errorf("score %v for %s outside [0,1]", st.Score, st.Tool.QualifiedName)
		}
	}
}

func TestSearchTopKBound(t *testing.T) {
	sel := NewLexicalSelector(2)
	sel.BuildIndex(context.Background(), catalogFixture())
	if got := sel.Search(context.Background(), "anything at all"); len(got) > 2 {
		t.Errorf("expected at most 2 results, got %d", len(got))
	}
	if got := sel.Search(context.Background(), ""); len(got) > 2 {
		t.Errorf("empty query should still respect top-k, got %d", len(got))
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"stop words dropped", "the weather in tokyo", []string{"weather", "tokyo"}},
		{"punctuation stripped", "play: song, now!", []string{"play", "song", "now"}},
		{"fullwidth folded", "ｗｅａｔｈｅｒ　１２３", []string{"ｗｅａｔｈｅｒ", "１２３"}},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenize(tt.in)
			if tt.name == "fullwidth folded" {
				// NFKC maps fullwidth forms to ASCII.
				if len(got) != 2 || got[0] != "weather" || got[1] != "123" {
					t.Fatalf("got %v", got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosine(tt.a, tt.b); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
