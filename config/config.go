// Package config loads process configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Recall  RecallConfig  `yaml:"recall"`
	Memory  MemoryConfig  `yaml:"memory"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCHealthAddr  string        `yaml:"grpc_health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig configures the agent runtime.
type AgentConfig struct {
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	Model            string `yaml:"model"`
	MaxTokens        int    `yaml:"max_tokens"`
	MaxModelCalls    int    `yaml:"max_model_calls"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	SessionsDir      string `yaml:"sessions_dir"`
}

// RecallConfig configures memory recall.
type RecallConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Model      string        `yaml:"model"`
	Limit      int           `yaml:"limit"`
	MinScore   float64       `yaml:"min_score"`
	MaxQueries int           `yaml:"max_queries"`
	SeenTTL    time.Duration `yaml:"seen_ttl"`
}

// MemoryConfig configures the memory store and the seen-set store.
type MemoryConfig struct {
	// DBPath persists the vector store; empty keeps it in memory.
	DBPath   string `yaml:"db_path"`
	Compress bool   `yaml:"compress"`

	// Embedder is "hash", "openai" or "onnx".
	Embedder       string `yaml:"embedder"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	EmbeddingModel string `yaml:"embedding_model"`

	// ONNX model files, used by the onnx embedder (onnx builds only).
	ONNXModelPath     string `yaml:"onnx_model_path"`
	ONNXTokenizerPath string `yaml:"onnx_tokenizer_path"`
	ONNXLibraryPath   string `yaml:"onnx_library_path"`

	// RedisURL selects Redis for the seen-set; empty uses the in-process store.
	RedisURL string `yaml:"redis_url"`
}

// ArchiveConfig configures turn archiving.
type ArchiveConfig struct {
	DBPath string `yaml:"db_path"`

	// Mode is "await", "async" or "off".
	Mode string `yaml:"mode"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-20250514",
			MaxTokens:     4096,
			MaxModelCalls: 20,
			SessionsDir:   "data/sessions",
		},
		Recall: RecallConfig{
			Enabled:    true,
			Model:      "claude-3-5-haiku-latest",
			Limit:      3,
			MinScore:   0.4,
			MaxQueries: 4,
			SeenTTL:    24 * time.Hour,
		},
		Memory: MemoryConfig{
			Embedder: "hash",
		},
		Archive: ArchiveConfig{
			DBPath: "data/archive.db",
			Mode:   "await",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// path is non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables on c.
func (c *Config) ApplyEnv() {
	c.Server.Addr = StringOr("DUCKPOND_ADDR", c.Server.Addr)
	c.Server.GRPCHealthAddr = StringOr("DUCKPOND_GRPC_HEALTH_ADDR", c.Server.GRPCHealthAddr)
	c.Server.ShutdownTimeout = DurationOr("DUCKPOND_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Agent.APIKey = StringOr("ANTHROPIC_API_KEY", c.Agent.APIKey)
	c.Agent.BaseURL = StringOr("ANTHROPIC_BASE_URL", c.Agent.BaseURL)
	c.Agent.Model = StringOr("DUCKPOND_MODEL", c.Agent.Model)
	c.Agent.MaxTokens = IntOr("DUCKPOND_MAX_TOKENS", c.Agent.MaxTokens)
	c.Agent.SystemPromptFile = StringOr("DUCKPOND_SYSTEM_PROMPT_FILE", c.Agent.SystemPromptFile)
	c.Agent.SessionsDir = StringOr("DUCKPOND_SESSIONS_DIR", c.Agent.SessionsDir)

	c.Recall.Enabled = BoolOr("RECALL_ENABLED", c.Recall.Enabled)
	c.Recall.Model = StringOr("RECALL_MODEL", c.Recall.Model)
	c.Recall.Limit = IntOr("RECALL_LIMIT", c.Recall.Limit)
	c.Recall.MinScore = FloatOr("RECALL_MIN_SCORE", c.Recall.MinScore)
	c.Recall.MaxQueries = IntOr("RECALL_MAX_QUERIES", c.Recall.MaxQueries)
	c.Recall.SeenTTL = DurationOr("RECALL_SEEN_TTL", c.Recall.SeenTTL)

	c.Memory.DBPath = StringOr("MEMORY_DB_PATH", c.Memory.DBPath)
	c.Memory.Embedder = StringOr("EMBEDDER", c.Memory.Embedder)
	c.Memory.OpenAIAPIKey = StringOr("OPENAI_API_KEY", c.Memory.OpenAIAPIKey)
	c.Memory.OpenAIBaseURL = StringOr("OPENAI_BASE_URL", c.Memory.OpenAIBaseURL)
	c.Memory.ONNXModelPath = StringOr("ONNX_MODEL_PATH", c.Memory.ONNXModelPath)
	c.Memory.ONNXTokenizerPath = StringOr("ONNX_TOKENIZER_PATH", c.Memory.ONNXTokenizerPath)
	c.Memory.ONNXLibraryPath = StringOr("ONNX_LIBRARY_PATH", c.Memory.ONNXLibraryPath)
	c.Memory.RedisURL = StringOr("REDIS_URL", c.Memory.RedisURL)

	c.Archive.DBPath = StringOr("ARCHIVE_DB_PATH", c.Archive.DBPath)
	c.Archive.Mode = StringOr("ARCHIVE_MODE", c.Archive.Mode)

	c.Log.Level = StringOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = StringOr("LOG_FORMAT", c.Log.Format)

	c.Tracing.Endpoint = StringOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}
	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be positive, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.SessionsDir == "" {
		errs = append(errs, errors.New("agent.sessions_dir is required"))
	}
	if c.Recall.Limit < 1 {
		errs = append(errs, fmt.Errorf("recall.limit must be at least 1, got %d", c.Recall.Limit))
	}
	if c.Recall.MinScore < 0 || c.Recall.MinScore > 1 {
		errs = append(errs, fmt.Errorf("recall.min_score must be within [0, 1], got %g", c.Recall.MinScore))
	}
	if c.Recall.MaxQueries < 0 {
		errs = append(errs, fmt.Errorf("recall.max_queries must not be negative, got %d", c.Recall.MaxQueries))
	}
	if c.Recall.SeenTTL <= 0 {
		errs = append(errs, fmt.Errorf("recall.seen_ttl must be positive, got %s", c.Recall.SeenTTL))
	}
	switch strings.ToLower(c.Memory.Embedder) {
	case "hash":
	case "openai":
		if c.Memory.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embedder"))
		}
	case "onnx":
		if c.Memory.ONNXModelPath == "" || c.Memory.ONNXTokenizerPath == "" {
			errs = append(errs, errors.New("ONNX_MODEL_PATH and ONNX_TOKENIZER_PATH are required for the onnx embedder"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.embedder must be hash, openai or onnx, got %q", c.Memory.Embedder))
	}
	switch strings.ToLower(c.Archive.Mode) {
	case "await", "async", "off":
	default:
		errs = append(errs, fmt.Errorf("archive.mode must be await, async or off, got %q", c.Archive.Mode))
	}
	if !strings.EqualFold(c.Archive.Mode, "off") && c.Archive.DBPath == "" {
		errs = append(errs, errors.New("archive.db_path is required unless archive.mode is off"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
