package hachimi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// promptDescriptionLimit caps how much of a remote prompt's description
// or loaded body makes it into a prompt, in runes.
const promptDescriptionLimit = 500

// PromptFetcher is the router surface the composer needs to load prompt
// bodies.
type PromptFetcher interface {
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (string, error)
}

// PromptComposer assembles the agent's system prompt from a base
// instruction and the prompt templates advertised by connected servers,
// and caches prompt bodies fetched on demand. The composed text is
// rebuilt whenever the registry changes, so the model always sees the
// current capability surface.
type PromptComposer struct {
	base     string
	maxDescr int

	mu     sync.Mutex
	bodies map[string]string
	loads  int
	hits   int
}

// PromptStats reports prompt-body cache activity.
type PromptStats struct {
	Loads     int `json:"loads"`
	CacheHits int `json:"cache_hits"`
	Cached    int `json:"cached"`
}

// NewPromptComposer creates a composer around the base instruction.
func NewPromptComposer(base string) *PromptComposer {
	return &PromptComposer{
		base:     base,
		maxDescr: promptDescriptionLimit,
		bodies:   make(map[string]string),
	}
}

// Compose renders the system prompt. Remote prompts are listed sorted
// by server then name so the output is stable across rebuilds; their
// descriptions are truncated to keep the prompt bounded.
func (p *PromptComposer) Compose(prompts []PromptDescriptor) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.base))

	if len(prompts) > 0 {
		sorted := make([]PromptDescriptor, len(prompts))
		copy(sorted, prompts)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Server != sorted[j].Server {
				return sorted[i].Server < sorted[j].Server
			}
			return sorted[i].Name < sorted[j].Name
		})

		b.WriteString("\n\nPrompt templates available from connected servers:\n")
		for _, pr := range sorted {
			b.WriteString(fmt.Sprintf("- %s (server: %s)", pr.Name, pr.Server))
			if d := truncateText(pr.Description, p.maxDescr); d != "" {
				b.WriteString(": ")
				b.WriteString(d)
			}
			if len(pr.Arguments) > 0 {
				b.WriteString(" [arguments: ")
				b.WriteString(strings.Join(sortedKeys(pr.Arguments), ", "))
				b.WriteString("]")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n\nTools may carry a server prefix (for example \"weather:get_forecast\"). " +
		"Always call tools by the exact name provided.")
	return b.String()
}

// LoadPrompt fetches one prompt body through the fetcher, cached by
// server, name and arguments. Failures are not cached.
func (p *PromptComposer) LoadPrompt(ctx context.Context, fetcher PromptFetcher, server, name string, args map[string]string) (string, error) {
	key := promptKey(server, name, args)
	p.mu.Lock()
	if body, ok := p.bodies[key]; ok {
		p.hits++
		p.mu.Unlock()
		return body, nil
	}
	p.mu.Unlock()

	body, err := fetcher.GetPrompt(ctx, server, name, args)
	if err != nil {
		return "", err
	}
	body = truncateText(body, p.maxDescr)

	p.mu.Lock()
	p.bodies[key] = body
	p.loads++
	p.mu.Unlock()
	return body, nil
}

// Stats reports cache activity.
func (p *PromptComposer) Stats() PromptStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PromptStats{Loads: p.loads, CacheHits: p.hits, Cached: len(p.bodies)}
}

// invalidate drops cached bodies; called when the catalog changes.
func (p *PromptComposer) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = make(map[string]string)
}

func promptKey(server, name string, args map[string]string) string {
	var b strings.Builder
	b.WriteString(server)
	b.WriteByte(0)
	b.WriteString(name)
	for _, k := range sortedKeys(args) {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(args[k])
	}
	return b.String()
}

// truncateText caps s at limit runes, never splitting a multi-byte
// character.
func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
