// Package config loads kbchat settings. Defaults are overlaid by a JSON file
// at $XDG_CONFIG_HOME/kbchat/config.json, then by KBCHAT_* environment
// variables. Secrets never live in the config file: they come from the
// environment or from the secrets file under the data directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/models"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Ollama    OllamaConfig
	Models    ModelsConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Chat      ChatConfig
	CRM       CRMConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL     string
	EmbedModel  string
	PullMissing bool
}

type ModelsConfig struct {
	// Catalog is a JSON array of models.Descriptor.
	Catalog          string
	Timeout          time.Duration
	OpenRouterAPIKey string
}

type RetrievalConfig struct {
	TopK int
	Mode string
}

type IngestConfig struct {
	MaxChunkRunes int
	OverlapRunes  int
	FetchTimeout  time.Duration
	MaxFetchBytes int
}

type ChatConfig struct {
	MaxHistoryTokens int
	MaxContextTokens int
}

type CRMConfig struct {
	BackupURL    string
	HubSpotURL   string
	Username     string
	Password     string
	HubSpotToken string
}

type LogConfig struct {
	Level string
}

const defaultCatalog = `[{"name":"openchat","provider":"ollama","temperature":1.5,"description":"OpenChat on the local Ollama server"}]`

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4000},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			EmbedModel:  "nomic-embed-text",
			PullMissing: true,
		},
		Models: ModelsConfig{
			Catalog: defaultCatalog,
			Timeout: 120 * time.Second,
		},
		Retrieval: RetrievalConfig{TopK: 5, Mode: "lexical"},
		Ingest: IngestConfig{
			MaxChunkRunes: 800,
			FetchTimeout:  10 * time.Second,
			MaxFetchBytes: 5 << 20,
		},
		Chat: ChatConfig{
			MaxHistoryTokens: 2000,
			MaxContextTokens: 4000,
		},
		CRM: CRMConfig{HubSpotURL: "https://api.hubapi.com"},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the file backend, environment variables and
// the secrets file. A missing API token is generated once and persisted to
// the secrets file.
func Load() (Config, error) {
	return loadWith(newJSONFile(configFilePath()), newJSONFile(secretsFilePath()))
}

func loadWith(settings, secrets kvStore) (Config, error) {
	cfg := defaults()

	if err := applySettings(&cfg, settings); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := applySecrets(&cfg, secrets); err != nil {
		return Config{}, err
	}

	if cfg.Server.APIToken == "" {
		token := uuid.New().String()
		if err := secrets.Set("server.api_token", token); err != nil {
			return Config{}, fmt.Errorf("persisting generated API token: %w", err)
		}
		cfg.Server.APIToken = token
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Retrieval.Mode != "lexical" && c.Retrieval.Mode != "vector" {
		return fmt.Errorf("retrieval.mode must be \"lexical\" or \"vector\", got %q", c.Retrieval.Mode)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if _, err := c.ModelCatalog(); err != nil {
		return err
	}
	return nil
}

// ModelCatalog decodes models.catalog. Ollama entries without an endpoint
// use ollama.base_url.
func (c Config) ModelCatalog() ([]models.Descriptor, error) {
	var catalog []models.Descriptor
	if err := json.Unmarshal([]byte(c.Models.Catalog), &catalog); err != nil {
		return nil, fmt.Errorf("parsing models.catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("models.catalog is empty")
	}
	for i := range catalog {
		if catalog[i].Provider == "" {
			catalog[i].Provider = models.ProviderOllama
		}
		if catalog[i].Provider == models.ProviderOllama && catalog[i].Endpoint == "" {
			catalog[i].Endpoint = c.Ollama.BaseURL
		}
	}
	return catalog, nil
}

// DBPath is where the store keeps its SQLite file.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "kbchat.db")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "kbchat-data"
		}
	}
	return filepath.Join(dir, "kbchat")
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
	return filepath.Join(dir, "kbchat", "config.json")
}

func secretsFilePath() string {
	dataDir := os.Getenv("KBCHAT_STORAGE_DATA_DIR")
	if strings.TrimSpace(dataDir) == "" {
		dataDir = defaultDataDir()
	}
	return filepath.Join(dataDir, "secrets.json")
}
