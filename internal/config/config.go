// Package config loads the host configuration: defaults, then a TOML
// file, then environment overrides (env wins).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/cyijun/hachimi/mcp"
)

type Config struct {
	LLM       LLMConfig               `toml:"llm"`
	Embedding EmbeddingConfig         `toml:"embedding"`
	Selection SelectionConfig         `toml:"tool_selection"`
	Context   ContextConfig           `toml:"context"`
	Agent     AgentConfig             `toml:"agent"`
	Observer  ObserverConfig          `toml:"observer"`
	Servers   map[string]ServerConfig `toml:"mcp_servers"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Enabled    bool   `toml:"enabled"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
}

type SelectionConfig struct {
	TopK          int `toml:"top_k"`
	CacheCapacity int `toml:"cache_capacity"`
}

type ContextConfig struct {
	MaxTurns        int    `toml:"max_turns"`
	MaxAgeSeconds   int    `toml:"max_age_seconds"`
	TokenBudget     int    `toml:"token_budget"`
	KeepRecentTurns int    `toml:"keep_recent_turns"`
	SummaryTemplate string `toml:"summary_template"`
	SummaryRole     string `toml:"summary_role"`
}

type AgentConfig struct {
	SystemPrompt  string `toml:"system_prompt"`
	MaxToolRounds int    `toml:"max_tool_rounds"`
	RetryAttempts int    `toml:"retry_attempts"`
	RetryDelayMS  int    `toml:"retry_delay_ms"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// ServerConfig describes one MCP server. Type selects the transport:
// "stdio" (subprocess) or "http" (streamable HTTP).
type ServerConfig struct {
	Type    string            `toml:"type"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

// Transport resolves the tagged config to a concrete transport. Every
// server is resolved exactly once, at startup, so a typo in "type"
// fails fast instead of at first invocation.
func (s ServerConfig) Transport() (mcp.TransportConfig, error) {
	switch s.Type {
	case "stdio", "":
		if s.Command == "" {
			return nil, fmt.Errorf("stdio server needs a command")
		}
		return mcp.PipeConfig{Command: s.Command, Args: s.Args, Env: s.Env, Dir: s.Dir}, nil
	case "http":
		if s.URL == "" {
			return nil, fmt.Errorf("http server needs a url")
		}
		return mcp.StreamConfig{URL: s.URL, Headers: s.Headers}, nil
	default:
		return nil, fmt.Errorf("unknown server type %q", s.Type)
	}
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Selection: SelectionConfig{TopK: 5, CacheCapacity: 128},
		Context: ContextConfig{
			MaxTurns:        20,
			MaxAgeSeconds:   1800,
			TokenBudget:     8000,
			KeepRecentTurns: 2,
			SummaryRole:     "user",
		},
		Agent: AgentConfig{
			SystemPrompt:  "You are a helpful voice assistant. Keep answers short and speakable.",
			MaxToolRounds: 6,
			RetryAttempts: 3,
			RetryDelayMS:  500,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "hachimi.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("HACHIMI_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HACHIMI_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("HACHIMI_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("HACHIMI_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("HACHIMI_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("HACHIMI_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg, nil
}

// Transports resolves every configured server, failing on the first
// invalid entry.
func (c Config) Transports() (map[string]mcp.TransportConfig, error) {
	out := make(map[string]mcp.TransportConfig, len(c.Servers))
	for name, sc := range c.Servers {
		tc, err := sc.Transport()
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		out[name] = tc
	}
	return out, nil
}
