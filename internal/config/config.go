package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	LLM       LLMConfig
	Context   ContextConfig
	Retrieval RetrievalConfig
	Jobs      JobsConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
	// MCP selects the MCP transport: "stdio", "http" or "off".
	MCP string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	SummaryModel string
	APIKey       string
	Timeout      time.Duration
	Temperature  float64
}

type ContextConfig struct {
	MaxTokens         int
	CacheTTL          time.Duration
	CompressThreshold int
	KeepRecentTurns   int
}

type RetrievalConfig struct {
	Limit int
}

type JobsConfig struct {
	StaleAfter   time.Duration
	ResultTTL    time.Duration
	PollInterval time.Duration
	Concurrency  int
}

type APIConfig struct {
	Token string
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"

	DefaultOllamaURL = "http://localhost:11434"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			MCP:  "stdio",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenRouter,
			Model:       "openai/gpt-4o-mini",
			Timeout:     60 * time.Second,
			Temperature: 0.3,
		},
		Context: ContextConfig{
			MaxTokens:         8000,
			CacheTTL:          10 * time.Minute,
			CompressThreshold: 6000,
			KeepRecentTurns:   4,
		},
		Retrieval: RetrievalConfig{
			Limit: 50,
		},
		Jobs: JobsConfig{
			StaleAfter:   10 * time.Minute,
			ResultTTL:    24 * time.Hour,
			PollInterval: 500 * time.Millisecond,
			Concurrency:  2,
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/pulse/config.yaml and PULSE_* environment variables,
// which override file values. Secrets (llm.api_key, api.token) are read from
// the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

// LoadClient reads the same sources as Load without validating the server
// settings, so CLI commands that only talk to a running server work without
// LLM credentials.
func LoadClient() (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, newFileBackend(configFilePath())); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case ProviderOpenRouter:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("missing required config: LLM API key. Set it via environment variable PULSE_LLM_API_KEY")
		}
	case ProviderOllama:
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = DefaultOllamaURL
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (want %s or %s)", c.LLM.Provider, ProviderOpenRouter, ProviderOllama)
	}

	switch c.Server.MCP {
	case "stdio", "http", "off":
	default:
		return fmt.Errorf("unknown server.mcp %q (want stdio, http or off)", c.Server.MCP)
	}

	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive, got %d", c.Context.MaxTokens)
	}
	if c.LLM.SummaryModel == "" {
		c.LLM.SummaryModel = c.LLM.Model
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pulse-data"
		}
	}
	return filepath.Join(dir, "pulse")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "pulse", "config.yaml")
}
