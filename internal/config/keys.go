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
	kBool
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
		key: "server.port", typ: kInt, env: "KBCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "KBCHAT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KBCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "KBCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "KBCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.pull_missing", typ: kBool, env: "KBCHAT_OLLAMA_PULL_MISSING",
		apply:   func(cfg *Config, v any) { cfg.Ollama.PullMissing = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.PullMissing },
	},
	{
		key: "models.catalog", typ: kString, env: "KBCHAT_MODELS_CATALOG",
		apply:   func(cfg *Config, v any) { cfg.Models.Catalog = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Catalog },
	},
	{
		key: "models.timeout", typ: kDuration, env: "KBCHAT_MODELS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Models.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Models.Timeout },
	},
	{
		key: "models.openrouter_api_key", typ: kString, env: "KBCHAT_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Models.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.OpenRouterAPIKey },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "KBCHAT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.mode", typ: kString, env: "KBCHAT_RETRIEVAL_MODE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Mode },
	},
	{
		key: "ingest.max_chunk_runes", typ: kInt, env: "KBCHAT_INGEST_MAX_CHUNK_RUNES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxChunkRunes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxChunkRunes },
	},
	{
		key: "ingest.overlap_runes", typ: kInt, env: "KBCHAT_INGEST_OVERLAP_RUNES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OverlapRunes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.OverlapRunes },
	},
	{
		key: "ingest.fetch_timeout", typ: kDuration, env: "KBCHAT_INGEST_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FetchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.FetchTimeout },
	},
	{
		key: "ingest.max_fetch_bytes", typ: kInt, env: "KBCHAT_INGEST_MAX_FETCH_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFetchBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxFetchBytes },
	},
	{
		key: "chat.max_history_tokens", typ: kInt, env: "KBCHAT_CHAT_MAX_HISTORY_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxHistoryTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxHistoryTokens },
	},
	{
		key: "chat.max_context_tokens", typ: kInt, env: "KBCHAT_CHAT_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxContextTokens },
	},
	{
		key: "crm.backup_url", typ: kString, env: "KBCHAT_CRM_BACKUP_URL",
		apply:   func(cfg *Config, v any) { cfg.CRM.BackupURL = v.(string) },
		extract: func(cfg Config) any { return cfg.CRM.BackupURL },
	},
	{
		key: "crm.hubspot_url", typ: kString, env: "KBCHAT_CRM_HUBSPOT_URL",
		apply:   func(cfg *Config, v any) { cfg.CRM.HubSpotURL = v.(string) },
		extract: func(cfg Config) any { return cfg.CRM.HubSpotURL },
	},
	{
		key: "crm.username", typ: kString, env: "KBCHAT_CRM_USERNAME",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.CRM.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.CRM.Username },
	},
	{
		key: "crm.password", typ: kString, env: "KBCHAT_CRM_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.CRM.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.CRM.Password },
	},
	{
		key: "crm.hubspot_token", typ: kString, env: "KBCHAT_CRM_HUBSPOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.CRM.HubSpotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.CRM.HubSpotToken },
	},
	{
		key: "log.level", typ: kString, env: "KBCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string to the spec's Go type.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

// applySettings applies the config file. Secrets there are ignored, and a
// value that does not parse leaves the default with a warning.
func applySettings(cfg *Config, settings kvStore) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := settings.Get(s.key)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config key %s=%q: %v; using default\n", s.key, raw, err)
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
		parsed, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}

// applySecrets fills secrets the environment left empty from the secrets file.
func applySecrets(cfg *Config, secrets kvStore) error {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		v, ok, err := secrets.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading secret %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}
