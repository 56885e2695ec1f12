package contractgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/brunobiangulo/contractgraph/neo4jgraph"
)

// Config holds all configuration for the contractgraph engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.contractgraph/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "contractgraph".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.contractgraph/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Neo4j mirror of the chunk tree and entity graph. Disabled when URI is empty.
	Neo4j neo4jgraph.Config `json:"neo4j" yaml:"neo4j"`

	// Entity resolution
	ClusterDistanceThreshold float64  `json:"cluster_distance_threshold" yaml:"cluster_distance_threshold"`
	OracleConcurrency        int      `json:"oracle_concurrency" yaml:"oracle_concurrency"`
	EntityTypes              []string `json:"entity_types,omitempty" yaml:"entity_types,omitempty"` // empty: every type in the schema or store

	// Tree building
	BuildConcurrency   int     `json:"build_concurrency" yaml:"build_concurrency"`       // documents built in parallel by IngestAll
	MinAlignConfidence float64 `json:"min_align_confidence" yaml:"min_align_confidence"` // 0 logs low-confidence leaves without retrying
	MaxOutlineAttempts int     `json:"max_outline_attempts" yaml:"max_outline_attempts"`

	// Optional ingest stages
	SkipSummaries    bool `json:"skip_summaries" yaml:"skip_summaries"`
	SkipEmbeddings   bool `json:"skip_embeddings" yaml:"skip_embeddings"`
	ExtractEntities  bool `json:"extract_entities" yaml:"extract_entities"`
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"` // max parallel LLM calls for entity extraction
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.contractgraph/contractgraph.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "contractgraph",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:             768,
		ClusterDistanceThreshold: 0.25,
		OracleConcurrency:        8,
		BuildConcurrency:         4,
		MaxOutlineAttempts:       2,
		GraphConcurrency:         8,
	}
}

// LoadConfig reads a JSON config file over DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from CONTRACTGRAPH_* and NEO4J_* variables.
// Unset variables leave the field alone.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"CONTRACTGRAPH_DB_PATH":        &c.DBPath,
		"CONTRACTGRAPH_DB_NAME":        &c.DBName,
		"CONTRACTGRAPH_STORAGE_DIR":    &c.StorageDir,
		"CONTRACTGRAPH_CHAT_PROVIDER":  &c.Chat.Provider,
		"CONTRACTGRAPH_CHAT_MODEL":     &c.Chat.Model,
		"CONTRACTGRAPH_CHAT_BASE_URL":  &c.Chat.BaseURL,
		"CONTRACTGRAPH_CHAT_API_KEY":   &c.Chat.APIKey,
		"CONTRACTGRAPH_EMBED_PROVIDER": &c.Embedding.Provider,
		"CONTRACTGRAPH_EMBED_MODEL":    &c.Embedding.Model,
		"CONTRACTGRAPH_EMBED_BASE_URL": &c.Embedding.BaseURL,
		"CONTRACTGRAPH_EMBED_API_KEY":  &c.Embedding.APIKey,
		"NEO4J_URI":                    &c.Neo4j.URI,
		"NEO4J_USER":                   &c.Neo4j.User,
		"NEO4J_PASSWORD":               &c.Neo4j.Password,
		"NEO4J_DATABASE":               &c.Neo4j.Database,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"CONTRACTGRAPH_EMBEDDING_DIM":        &c.EmbeddingDim,
		"CONTRACTGRAPH_BUILD_CONCURRENCY":    &c.BuildConcurrency,
		"CONTRACTGRAPH_ORACLE_CONCURRENCY":   &c.OracleConcurrency,
		"CONTRACTGRAPH_GRAPH_CONCURRENCY":    &c.GraphConcurrency,
		"CONTRACTGRAPH_MAX_OUTLINE_ATTEMPTS": &c.MaxOutlineAttempts,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"CONTRACTGRAPH_CLUSTER_THRESHOLD":    &c.ClusterDistanceThreshold,
		"CONTRACTGRAPH_MIN_ALIGN_CONFIDENCE": &c.MinAlignConfidence,
	}
	for key, dst := range floats {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = f
	}

	if v, ok := os.LookupEnv("CONTRACTGRAPH_ENTITY_TYPES"); ok {
		c.EntityTypes = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.EntityTypes = append(c.EntityTypes, t)
			}
		}
	}
	if v, ok := os.LookupEnv("CONTRACTGRAPH_EXTRACT_ENTITIES"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: CONTRACTGRAPH_EXTRACT_ENTITIES: %v", ErrInvalidConfig, err)
		}
		c.ExtractEntities = b
	}
	return nil
}

// Validate checks value ranges. The returned error wraps ErrInvalidConfig
// and names the offending field.
func (c *Config) Validate() error {
	switch {
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.ClusterDistanceThreshold < 0 || c.ClusterDistanceThreshold > 2:
		return fmt.Errorf("%w: cluster_distance_threshold must be in [0, 2], got %g", ErrInvalidConfig, c.ClusterDistanceThreshold)
	case c.MinAlignConfidence < 0 || c.MinAlignConfidence > 1:
		return fmt.Errorf("%w: min_align_confidence must be in [0, 1], got %g", ErrInvalidConfig, c.MinAlignConfidence)
	case c.BuildConcurrency < 0:
		return fmt.Errorf("%w: build_concurrency must not be negative", ErrInvalidConfig)
	case c.OracleConcurrency < 0:
		return fmt.Errorf("%w: oracle_concurrency must not be negative", ErrInvalidConfig)
	case c.GraphConcurrency < 0:
		return fmt.Errorf("%w: graph_concurrency must not be negative", ErrInvalidConfig)
	case c.MaxOutlineAttempts < 0:
		return fmt.Errorf("%w: max_outline_attempts must not be negative", ErrInvalidConfig)
	case c.Chat.Provider == "":
		return fmt.Errorf("%w: chat.provider is required", ErrInvalidConfig)
	case c.Embedding.Provider == "":
		return fmt.Errorf("%w: embedding.provider is required", ErrInvalidConfig)
	}
	switch c.StorageDir {
	case "", "home", "local", "cwd":
	default:
		return fmt.Errorf("%w: storage_dir must be home or local, got %q", ErrInvalidConfig, c.StorageDir)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "contractgraph"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".contractgraph", name+".db")
	}
}
