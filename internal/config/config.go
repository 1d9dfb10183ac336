// Package config handles knowledge base configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backends accepted in StorageConfig.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Embedding providers accepted in EmbeddingsConfig.Provider.
const (
	EmbedderPseudo = "pseudo"
	EmbedderOllama = "ollama"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Server
	Server ServerConfig `json:"server" yaml:"server"`

	// Persistence
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	HashStore HashStoreConfig `json:"hash_store" yaml:"hash_store"`

	// Model providers
	Embeddings EmbeddingsConfig `json:"embeddings" yaml:"embeddings"`
	Qdrant     QdrantConfig     `json:"qdrant" yaml:"qdrant"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
}

// StorageConfig selects and configures the resource store backend.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend"`

	// SQLite. Path is relative to DataDir unless absolute.
	SQLitePath   string `json:"sqlite_path" yaml:"sqlite_path"`
	SQLiteDriver string `json:"sqlite_driver" yaml:"sqlite_driver"`

	Redis       RedisConfig `json:"redis" yaml:"redis"`
	PostgresDSN string      `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// RedisConfig for the redis backend
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// HashStoreConfig for the primitive hash store
type HashStoreConfig struct {
	// MemcachedAddr enables the read-through cache when set.
	MemcachedAddr string `json:"memcached_addr" yaml:"memcached_addr"`
}

// EmbeddingsConfig for the text embedding provider
type EmbeddingsConfig struct {
	Provider   string `json:"provider" yaml:"provider"`
	URL        string `json:"url" yaml:"url"`
	Model      string `json:"model" yaml:"model"`
	Dimensions int    `json:"dimensions" yaml:"dimensions"`
}

// QdrantConfig for vector database
type QdrantConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
}

// LoggingConfig for the process logger
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	Color bool   `json:"color" yaml:"color"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".knowledgebase"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Backend:      BackendSQLite,
			SQLitePath:   "kb.db",
			SQLiteDriver: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "kb",
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider:   EmbedderPseudo,
			URL:        "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 384,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "kb_embeddings",
		},
		Logging: LoggingConfig{
			Level: "info",
			Color: true,
		},
	}
}

// DefaultPath returns the config file location inside the data dir.
func DefaultPath() string {
	return filepath.Join(Default().DataDir, "config.json")
}

// SQLiteFile resolves the sqlite path against DataDir.
func (c *Config) SQLiteFile() string {
	if filepath.IsAbs(c.Storage.SQLitePath) {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, c.Storage.SQLitePath)
}

// Load loads config from file, falling back to defaults.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Use defaults
	} else if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KB_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("KB_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("KB_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Embeddings.URL = v
	}
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Credentials stay in the environment
	safeCfg := *c
	safeCfg.Storage.Redis.Password = ""
	safeCfg.Storage.PostgresDSN = ""

	data, err := marshal(path, &safeCfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}
