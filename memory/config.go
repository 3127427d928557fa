package memory

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the memory engine in one typed struct.
// It is constructed once at startup (DefaultConfig, optionally overlaid by a
// yaml file and RECALL_* environment variables) and passed by reference into
// each component.
type Config struct {
	// ListenAddr is the HTTP listen address for the REST surface.
	ListenAddr string `yaml:"listen_addr"`

	// EmbedderEndpoint is the base URL of an OpenAI-compatible embedding
	// API. Required unless the mock embedder is selected.
	EmbedderEndpoint string `yaml:"embedder_endpoint"`
	EmbedderAPIKey   string `yaml:"embedder_api_key"`
	EmbedderModel    string `yaml:"embedder_model"`
	// EmbedderDims is the embedding vector size.
	EmbedderDims int `yaml:"embedder_dims"`
	// EmbedderCacheSize caps the embedding cache entry count.
	EmbedderCacheSize int64 `yaml:"embedder_cache_size"`

	// VectorPath is the on-disk location of the vector index. Empty keeps
	// the index in memory.
	VectorPath string `yaml:"vector_path"`
	// RedisURL is the recency store connection string.
	RedisURL string `yaml:"redis_url"`
	// CatalogPath is the SQLite entry catalog location.
	CatalogPath string `yaml:"catalog_path"`

	// RetrieveLimit is the default result count for retrieval.
	RetrieveLimit int `yaml:"retrieve_limit"`
	// RetrieveThreshold is the default minimum relevance score [0,1].
	RetrieveThreshold float64 `yaml:"retrieve_threshold"`
	// TopKFactor multiplies the limit into the semantic candidate fetch
	// size, leaving room for post-filtering.
	TopKFactor int `yaml:"top_k_factor"`

	// ForgetThreshold is the minimum similarity for delete-by-query.
	// Stricter than RetrieveThreshold so a forget cannot sweep up entries
	// that merely resemble the request.
	ForgetThreshold float64 `yaml:"forget_threshold"`
	// CorrectionThreshold is the minimum similarity for a correction to
	// supersede a prior entry.
	CorrectionThreshold float64 `yaml:"correction_threshold"`

	// RecencyLimit is how many recent interactions join each retrieval.
	RecencyLimit int `yaml:"recency_limit"`
	// RecencyCapacity bounds the per-user recency buffer.
	RecencyCapacity int `yaml:"recency_capacity"`
	// RecencyTTL bounds the age of buffered interactions.
	RecencyTTL time.Duration `yaml:"recency_ttl"`
	// RecencyWeight is the score of the most recent interaction; older
	// ones decay by RecencyDecay per position.
	RecencyWeight float64 `yaml:"recency_weight"`
	RecencyDecay  float64 `yaml:"recency_decay"`

	// MaxEntryLen truncates each formatted memory in the context block.
	MaxEntryLen int `yaml:"max_entry_len"`
	// MaxContextLen bounds the whole injected block.
	MaxContextLen int `yaml:"max_context_len"`

	// RetrieveTimeout bounds the user-facing retrieval path. On timeout
	// the engine returns whatever partial results it has.
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
	// IngestTimeout bounds background ingestion.
	IngestTimeout time.Duration `yaml:"ingest_timeout"`

	// ExtractModel selects the Claude model for LLM fact extraction;
	// empty disables it.
	ExtractModel string `yaml:"extract_model"`
	// ExtractEvery paces LLM extraction to every Nth interaction per user.
	ExtractEvery int `yaml:"extract_every"`
}

// DefaultConfig returns the engine defaults. Thresholds are starting points,
// not calibration: deployments tune them per embedding model.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8080",
		EmbedderModel:       "text-embedding-3-small",
		EmbedderDims:        384,
		EmbedderCacheSize:   4096,
		RedisURL:            "redis://localhost:6379",
		CatalogPath:         "recall.db",
		RetrieveLimit:       3,
		RetrieveThreshold:   0.25,
		TopKFactor:          3,
		ForgetThreshold:     0.45,
		CorrectionThreshold: 0.55,
		RecencyLimit:        5,
		RecencyCapacity:     20,
		RecencyTTL:          24 * time.Hour,
		RecencyWeight:       0.4,
		RecencyDecay:        0.8,
		MaxEntryLen:         300,
		MaxContextLen:       1500,
		RetrieveTimeout:     2 * time.Second,
		IngestTimeout:       10 * time.Second,
		ExtractEvery:        1,
	}
}

// LoadConfig builds a Config from defaults, an optional yaml file, and
// RECALL_* environment variables, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.RetrieveLimit <= 0 {
		return fmt.Errorf("config: retrieve_limit must be positive, got %d", c.RetrieveLimit)
	}
	if c.TopKFactor <= 0 {
		return fmt.Errorf("config: top_k_factor must be positive, got %d", c.TopKFactor)
	}
	if c.ForgetThreshold < c.RetrieveThreshold {
		return fmt.Errorf("config: forget_threshold (%.2f) must not be below retrieve_threshold (%.2f)",
			c.ForgetThreshold, c.RetrieveThreshold)
	}
	if c.RecencyCapacity <= 0 {
		return fmt.Errorf("config: recency_capacity must be positive, got %d", c.RecencyCapacity)
	}
	if c.RecencyDecay <= 0 || c.RecencyDecay > 1 {
		return fmt.Errorf("config: recency_decay must be in (0,1], got %.2f", c.RecencyDecay)
	}
	if c.RetrieveTimeout <= 0 {
		return fmt.Errorf("config: retrieve_timeout must be positive")
	}
	if c.ExtractEvery <= 0 {
		return fmt.Errorf("config: extract_every must be positive, got %d", c.ExtractEvery)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("RECALL_ADDR", &c.ListenAddr)
	setString("RECALL_EMBEDDER_ENDPOINT", &c.EmbedderEndpoint)
	setString("RECALL_EMBEDDER_API_KEY", &c.EmbedderAPIKey)
	setString("RECALL_EMBEDDER_MODEL", &c.EmbedderModel)
	setInt("RECALL_EMBEDDER_DIMS", &c.EmbedderDims)
	setString("RECALL_VECTOR_PATH", &c.VectorPath)
	setString("RECALL_REDIS_URL", &c.RedisURL)
	setString("RECALL_CATALOG_PATH", &c.CatalogPath)
	setInt("RECALL_RETRIEVE_LIMIT", &c.RetrieveLimit)
	setFloat("RECALL_RETRIEVE_THRESHOLD", &c.RetrieveThreshold)
	setFloat("RECALL_FORGET_THRESHOLD", &c.ForgetThreshold)
	setFloat("RECALL_CORRECTION_THRESHOLD", &c.CorrectionThreshold)
	setInt("RECALL_RECENCY_CAPACITY", &c.RecencyCapacity)
	setDuration("RECALL_RECENCY_TTL", &c.RecencyTTL)
	setInt("RECALL_MAX_ENTRY_LEN", &c.MaxEntryLen)
	setInt("RECALL_MAX_CONTEXT_LEN", &c.MaxContextLen)
	setDuration("RECALL_RETRIEVE_TIMEOUT", &c.RetrieveTimeout)
	setDuration("RECALL_INGEST_TIMEOUT", &c.IngestTimeout)
	setString("RECALL_EXTRACT_MODEL", &c.ExtractModel)
	setInt("RECALL_EXTRACT_EVERY", &c.ExtractEvery)
}
