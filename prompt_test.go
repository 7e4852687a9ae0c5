package hachimi

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPromptComposerBaseOnly(t *testing.T) {
	pc := NewPromptComposer("You are a helpful voice assistant.")
	got := pc.Compose(nil)
	if !strings.HasPrefix(got, "You are a helpful voice assistant.") {
		t.Fatalf("base instruction missing: %q", got)
	}
	if strings.Contains(got, "Prompt templates") {
		t.Error("empty catalog must not produce a prompt section")
	}
}

func TestPromptComposerListsRemotePrompts(t *testing.T) {
	pc := NewPromptComposer("base")
	got := pc.Compose([]PromptDescriptor{
		{Name: "zebra", Server: "b", Description: "last"},
		{Name: "daily_briefing", Server: "a", Description: "Morning summary", Arguments: map[string]string{"city": "target city"}},
	})

	if !strings.Contains(got, "daily_briefing (server: a): Morning summary") {
		t.Errorf("prompt entry missing:\n%s", got)
	}
	if !strings.Contains(got, "[arguments: city]") {
		t.Errorf("arguments missing:\n%s", got)
	}
	// Sorted by server then name, independent of input order.
	if strings.Index(got, "daily_briefing") > strings.Index(got, "zebra") {
		t.Error("prompts should be sorted by server then name")
	}
}

func TestPromptComposerTruncatesDescriptions(t *testing.T) {
	pc := NewPromptComposer("base")
	got := pc.Compose([]PromptDescriptor{
		{Name: "big", Server: "s", Description: strings.Repeat("d", 2000)},
	})
	if strings.Contains(got, strings.Repeat("d", 600)) {
		t.Error("description should be truncated to the limit")
	}
	if !strings.Contains(got, strings.Repeat("d", 500)+"…") {
		t.Error("truncation marker missing")
	}
}

func TestTruncateTextCountsRunes(t *testing.T) {
	long := strings.Repeat("天気予報", 200) // 800 runes, 2400 bytes
	got := truncateText(long, 500)
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a multi-byte character")
	}
	if n := utf8.RuneCountInString(got); n != 501 { // 500 kept + marker
		t.Errorf("expected 500 runes plus marker, got %d", n)
	}
	if short := truncateText("短い", 500); short != "短い" {
		t.Errorf("short text must pass through, got %q", short)
	}
}

// failingFetcher always errors.
type failingFetcher struct{ err error }

func (f failingFetcher) GetPrompt(context.Context, string, string, map[string]string) (string, error) {
	return "", f.err
}

func TestLoadPromptFailureNotCached(t *testing.T) {
	pc := NewPromptComposer("base")
	_, err := pc.LoadPrompt(context.Background(), failingFetcher{err: errors.New("down")}, "home", "briefing", nil)
	if err == nil {
		t.Fatal("expected the fetch error to surface")
	}
	stats := pc.Stats()
	if stats.Loads != 0 || stats.Cached != 0 {
		t.Errorf("failures must not be cached: %+v", stats)
	}
}
