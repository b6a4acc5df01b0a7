// Package config provides configuration loading and structs for the Tanya server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/tanya/internal/models"
	"gopkg.in/yaml.v3"
)

// EnvProviderToken overrides Provider.Token when set.
const EnvProviderToken = "TANYA_PROVIDER_TOKEN"

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Provider    ProviderConfig    `yaml:"provider"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Events      EventsConfig      `yaml:"events"`
	Collections CollectionsConfig `yaml:"collections"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Chat        ChatConfig        `yaml:"chat"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds paths for the metadata database, vector database, object
// store, event log, and keyword indices.
type StorageConfig struct {
	DatabasePath       string `yaml:"database_path"`
	VectorDatabasePath string `yaml:"vector_database_path"`
	ObjectStorePath    string `yaml:"object_store_path"`
	EventStorePath     string `yaml:"event_store_path"`
	KeywordIndexPath   string `yaml:"keyword_index_path"`
	WorkDir            string `yaml:"work_dir"`
}

// ProviderConfig holds the OpenAI-compatible embedding/LLM provider settings.
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	ChatModel         string        `yaml:"chat_model"`
	Dimensions        int           `yaml:"dimensions"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CacheSize         int           `yaml:"cache_size"`
	// Mock uses the deterministic in-process embedder and an echo generator.
	Mock bool `yaml:"mock"`
}

// IngestionConfig holds worker pool, batching, and retry settings.
type IngestionConfig struct {
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batch_size"`
	EmbedBatchSize int           `yaml:"embed_batch_size"`
	BatchPause     time.Duration `yaml:"batch_pause"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// ChunkProfile is a chunk size and overlap in words.
type ChunkProfile struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// ChunkingConfig maps a content profile name (text, markdown, pdf, html, table)
// to its chunk size and overlap.
type ChunkingConfig struct {
	Profiles map[string]ChunkProfile `yaml:"profiles"`
}

// EventsConfig holds event tracking settings.
type EventsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Retention         time.Duration `yaml:"retention"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	QueueSize         int           `yaml:"queue_size"`
	DefaultQueryLimit int           `yaml:"default_query_limit"`
}

// CollectionsConfig holds collections seeded from configuration and legacy
// alias tokens. Alias values may be a collection id or a collection name.
type CollectionsConfig struct {
	Static  []models.CollectionInput `yaml:"static"`
	Aliases map[string]string        `yaml:"aliases"`
}

// InboxConfig maps watched directories to collection tokens.
type InboxConfig struct {
	Directories map[string]string `yaml:"directories"`
}

// ChatConfig holds retrieval settings for the chat path.
type ChatConfig struct {
	TopK           int     `yaml:"top_k"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if token := os.Getenv(EnvProviderToken); token != "" {
		cfg.Provider.Token = token
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorDatabasePath = expandPath(cfg.Storage.VectorDatabasePath, configDir)
	cfg.Storage.ObjectStorePath = expandPath(cfg.Storage.ObjectStorePath, configDir)
	cfg.Storage.EventStorePath = expandPath(cfg.Storage.EventStorePath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	cfg.Storage.WorkDir = expandPath(cfg.Storage.WorkDir, configDir)
	if len(cfg.Inbox.Directories) > 0 {
		dirs := make(map[string]string, len(cfg.Inbox.Directories))
		for dir, collection := range cfg.Inbox.Directories {
			dirs[expandPath(dir, configDir)] = collection
		}
		cfg.Inbox.Directories = dirs
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
