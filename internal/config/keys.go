package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PULSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp", typ: kString, env: "PULSE_SERVER_MCP",
		apply:   func(cfg *Config, v any) { cfg.Server.MCP = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.MCP },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PULSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PULSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.provider", typ: kString, env: "PULSE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "PULSE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "PULSE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.summary_model", typ: kString, env: "PULSE_LLM_SUMMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.SummaryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.SummaryModel },
	},
	{
		key: "llm.api_key", typ: kString, env: "PULSE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "PULSE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "PULSE_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "context.max_tokens", typ: kInt, env: "PULSE_CONTEXT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxTokens },
	},
	{
		key: "context.cache_ttl", typ: kDuration, env: "PULSE_CONTEXT_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Context.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Context.CacheTTL },
	},
	{
		key: "context.compress_threshold", typ: kInt, env: "PULSE_CONTEXT_COMPRESS_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Context.CompressThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.CompressThreshold },
	},
	{
		key: "context.keep_recent_turns", typ: kInt, env: "PULSE_CONTEXT_KEEP_RECENT_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Context.KeepRecentTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.KeepRecentTurns },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "PULSE_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "jobs.stale_after", typ: kDuration, env: "PULSE_JOBS_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Jobs.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.StaleAfter },
	},
	{
		key: "jobs.result_ttl", typ: kDuration, env: "PULSE_JOBS_RESULT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ResultTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.ResultTTL },
	},
	{
		key: "jobs.poll_interval", typ: kDuration, env: "PULSE_JOBS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Jobs.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.PollInterval },
	},
	{
		key: "jobs.concurrency", typ: kInt, env: "PULSE_JOBS_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Concurrency },
	},
	{
		key: "api.token", typ: kString, env: "PULSE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

// parse converts raw into the Go value for s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
