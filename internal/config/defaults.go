package config

import "time"

// DefaultChunkProfiles are the adaptive chunking profiles, in words. Dense
// structured text gets shorter chunks with proportionally more overlap.
func DefaultChunkProfiles() map[string]ChunkProfile {
	return map[string]ChunkProfile{
		"text":     {Size: 400, Overlap: 40},
		"markdown": {Size: 350, Overlap: 50},
		"pdf":      {Size: 300, Overlap: 50},
		"html":     {Size: 200, Overlap: 60},
		"table":    {Size: 120, Overlap: 30},
	}
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/tanya/data/db/metadata.db"
	}
	if cfg.Storage.VectorDatabasePath == "" {
		cfg.Storage.VectorDatabasePath = "/usr/local/var/tanya/data/db/vectors.db"
	}
	if cfg.Storage.ObjectStorePath == "" {
		cfg.Storage.ObjectStorePath = "/usr/local/var/tanya/data/objects"
	}
	if cfg.Storage.EventStorePath == "" {
		cfg.Storage.EventStorePath = "/usr/local/var/tanya/data/events"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/tanya/data/indices/bleve"
	}
	if cfg.Storage.WorkDir == "" {
		cfg.Storage.WorkDir = "/usr/local/var/tanya/work"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Provider.EmbeddingModel == "" {
		cfg.Provider.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Provider.ChatModel == "" {
		cfg.Provider.ChatModel = "llama3.1"
	}
	if cfg.Provider.Dimensions == 0 {
		cfg.Provider.Dimensions = 768
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
	if cfg.Provider.RequestsPerSecond == 0 {
		cfg.Provider.RequestsPerSecond = 5
	}
	if cfg.Provider.Burst == 0 {
		cfg.Provider.Burst = 10
	}
	if cfg.Provider.CacheSize == 0 {
		cfg.Provider.CacheSize = 10000
	}
	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}
	if cfg.Ingestion.BatchSize == 0 {
		cfg.Ingestion.BatchSize = 10
	}
	if cfg.Ingestion.EmbedBatchSize == 0 {
		cfg.Ingestion.EmbedBatchSize = 100
	}
	if cfg.Ingestion.BatchPause == 0 {
		cfg.Ingestion.BatchPause = 500 * time.Millisecond
	}
	if cfg.Ingestion.MaxAttempts == 0 {
		cfg.Ingestion.MaxAttempts = 3
	}
	if cfg.Ingestion.RetryBaseDelay == 0 {
		cfg.Ingestion.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Ingestion.PollInterval == 0 {
		cfg.Ingestion.PollInterval = 2 * time.Second
	}
	if cfg.Ingestion.SweepInterval == 0 {
		cfg.Ingestion.SweepInterval = time.Minute
	}
	if cfg.Chunking.Profiles == nil {
		cfg.Chunking.Profiles = DefaultChunkProfiles()
	} else {
		for name, p := range DefaultChunkProfiles() {
			if _, ok := cfg.Chunking.Profiles[name]; !ok {
				cfg.Chunking.Profiles[name] = p
			}
		}
	}
	if cfg.Events.HeartbeatInterval == 0 {
		cfg.Events.HeartbeatInterval = 25 * time.Second
	}
	if cfg.Events.Retention == 0 {
		cfg.Events.Retention = 720 * time.Hour
	}
	if cfg.Events.SubscriberBuffer == 0 {
		cfg.Events.SubscriberBuffer = 64
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 1024
	}
	if cfg.Events.DefaultQueryLimit == 0 {
		cfg.Events.DefaultQueryLimit = 200
	}
	if cfg.Collections.Aliases == nil {
		cfg.Collections.Aliases = map[string]string{}
	}
	if cfg.Chat.TopK == 0 {
		cfg.Chat.TopK = 5
	}
	if cfg.Chat.KeywordWeight == 0 && cfg.Chat.SemanticWeight == 0 {
		cfg.Chat.KeywordWeight = 0.3
		cfg.Chat.SemanticWeight = 0.7
	}
}
