package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/tanya/internal/models"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
ingestion:
  workers: 8
  batch_pause: 250ms
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Ingestion.Workers != 8 {
		t.Errorf("workers: got %d", cfg.Ingestion.Workers)
	}
	if cfg.Ingestion.BatchPause != 250*time.Millisecond {
		t.Errorf("batch_pause: got %v", cfg.Ingestion.BatchPause)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_staticCollectionsAndAliases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
collections:
  static:
    - id: "legacy-laws"
      name: "laws"
      type: "documents"
      description: "National regulations"
  aliases:
    peraturan: "legacy-laws"
inbox:
  directories:
    "./inbox/laws": "laws"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Collections.Static) != 1 {
		t.Fatalf("static collections: got %d", len(cfg.Collections.Static))
	}
	if cfg.Collections.Static[0].Type != models.CollectionTypeDocuments {
		t.Errorf("type: got %s", cfg.Collections.Static[0].Type)
	}
	if cfg.Collections.Aliases["peraturan"] != "legacy-laws" {
		t.Errorf("aliases: got %v", cfg.Collections.Aliases)
	}
	want := filepath.Join(dir, "inbox", "laws")
	if cfg.Inbox.Directories[want] != "laws" {
		t.Errorf("inbox directories: got %v", cfg.Inbox.Directories)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/db/metadata.db"
  object_store_path: "./data/objects"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "metadata.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	wantObj := filepath.Join(dir, "data", "objects")
	if cfg.Storage.ObjectStorePath != wantObj {
		t.Errorf("object_store_path = %s, want %s", cfg.Storage.ObjectStorePath, wantObj)
	}
}

func TestLoad_tokenFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  token: file-token\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvProviderToken, "env-token")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Token != "env-token" {
		t.Errorf("token: got %q", cfg.Provider.Token)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Ingestion.BatchSize != 10 {
		t.Errorf("default batch size: got %d", cfg.Ingestion.BatchSize)
	}
	if cfg.Ingestion.EmbedBatchSize != 100 {
		t.Errorf("default embed batch size: got %d", cfg.Ingestion.EmbedBatchSize)
	}
	if cfg.Ingestion.MaxAttempts != 3 {
		t.Errorf("default max attempts: got %d", cfg.Ingestion.MaxAttempts)
	}
	if len(cfg.Chunking.Profiles) != 5 {
		t.Errorf("chunk profiles: got %v", cfg.Chunking.Profiles)
	}
	if cfg.Chat.KeywordWeight+cfg.Chat.SemanticWeight != 1.0 {
		t.Errorf("chat weights should sum to 1, got %v + %v", cfg.Chat.KeywordWeight, cfg.Chat.SemanticWeight)
	}
}

func TestApplyDefaults_keepsCustomProfiles(t *testing.T) {
	cfg := &Config{Chunking: ChunkingConfig{Profiles: map[string]ChunkProfile{"html": {Size: 80, Overlap: 20}}}}
	ApplyDefaults(cfg)
	if cfg.Chunking.Profiles["html"].Size != 80 {
		t.Errorf("custom html profile overwritten: %+v", cfg.Chunking.Profiles["html"])
	}
	if cfg.Chunking.Profiles["pdf"].Size != 300 {
		t.Errorf("missing pdf profile should be filled: %+v", cfg.Chunking.Profiles["pdf"])
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
