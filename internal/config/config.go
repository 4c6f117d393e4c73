package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
	DefaultEnvFile           = ".env"
)

// LLMConfig holds the ASI client settings
type LLMConfig struct {
	Backend                string            `yaml:"backend"` // openai, langchain
	Model                  string            `yaml:"model"`
	APIKey                 string            `yaml:"api_key"` // From YAML or Env
	APIBase                string            `yaml:"api_base"`
	IsChatModel            bool              `yaml:"is_chat_model"`
	IsFunctionCallingModel bool              `yaml:"is_function_calling_model"`
	Temperature            float64           `yaml:"temperature"`
	MaxTokens              int               `yaml:"max_tokens"` // 0 leaves it to the server
	ContextWindow          int               `yaml:"context_window"`
	Timeout                time.Duration     `yaml:"timeout"`
	MaxRetries             int               `yaml:"max_retries"`
	MaxConcurrency         int               `yaml:"max_concurrency"` // 0 means unlimited
	ExtraBody              map[string]any    `yaml:"extra_body"`      // Merged into every request body
	Headers                map[string]string `yaml:"headers"`
	Debug                  bool              `yaml:"debug"` // Log redacted request bodies
}

// EmbeddingConfig holds configuration for the embedding model used by the index
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, hash
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"` // From YAML or Env
	BaseURL    string `yaml:"base_url"`
	BatchSize  int    `yaml:"batch_size"`
	Dimensions int    `yaml:"dimensions"` // Hash embedder only
}

// IndexConfig holds document splitting and retrieval settings
type IndexConfig struct {
	ChunkSize        int     `yaml:"chunk_size"`    // Tokens per node
	ChunkOverlap     int     `yaml:"chunk_overlap"` // Tokens shared between neighbours
	Encoding         string  `yaml:"encoding"`      // tiktoken encoding, empty for heuristic counting
	TopK             int     `yaml:"top_k"`
	SimilarityCutoff float64 `yaml:"similarity_cutoff"` // 0 disables the postprocessor
	Workers          int     `yaml:"workers"`           // Parallel embedding batches
}

// StorageConfig holds configuration for node persistence
type StorageConfig struct {
	Driver     string        `yaml:"driver"`     // memory, sqlite, redis, mysql, milvus
	DSN        string        `yaml:"dsn"`        // Path, address or connection string
	Password   string        `yaml:"password"`   // Redis only
	Collection string        `yaml:"collection"` // Table, key prefix or collection name
	Timeout    time.Duration `yaml:"timeout"`    // Timeout for storage operations (default: 5s)
	QueryLog   string        `yaml:"query_log"`  // SQLite path for query history, empty disables
}

// PromptsConfig holds configuration for prompt loading
type PromptsConfig struct {
	Dir string `yaml:"dir"` // Overrides for the embedded templates
}

// Config holds the configuration for the ASI adapter and its query service
type Config struct {
	Log struct {
		Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format   string `yaml:"format"` // text, json
		Output   string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size"`    // Megabytes
			MaxBackups int  `yaml:"max_backups"` // Number of old files to keep
			MaxAge     int  `yaml:"max_age"`     // Days to keep
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		MaxBodySize  int64         `yaml:"max_body_size"`
	} `yaml:"server"`

	LLM LLMConfig `yaml:"llm"`

	Embedding EmbeddingConfig `yaml:"embedding"`

	Index IndexConfig `yaml:"index"`

	Storage StorageConfig `yaml:"storage"`

	Prompts PromptsConfig `yaml:"prompts"`
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a configuration populated with built-in defaults only.
func Default() *Config {
	cfg := &Config{}

	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stderr"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 10
	cfg.Log.Rotation.MaxAge = 7
	cfg.Log.Rotation.Compress = true

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 120 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize

	cfg.LLM.Backend = BackendOpenAI
	cfg.LLM.Model = DefaultASIModel
	cfg.LLM.APIBase = DefaultASIAPIBase
	cfg.LLM.IsChatModel = true
	cfg.LLM.IsFunctionCallingModel = false
	cfg.LLM.Temperature = 0.1
	cfg.LLM.ContextWindow = 3900
	cfg.LLM.Timeout = 120 * time.Second
	cfg.LLM.MaxRetries = 3

	cfg.Embedding.Provider = EmbeddingOpenAI
	cfg.Embedding.Model = DefaultEmbeddingModel
	cfg.Embedding.BaseURL = DefaultOpenAIBase
	cfg.Embedding.BatchSize = 64
	cfg.Embedding.Dimensions = DefaultHashDimensions

	cfg.Index.ChunkSize = DefaultChunkSize
	cfg.Index.ChunkOverlap = DefaultChunkOverlap
	cfg.Index.Encoding = "cl100k_base"
	cfg.Index.TopK = DefaultTopK
	cfg.Index.Workers = 4

	cfg.Storage.Driver = DriverMemory
	cfg.Storage.Collection = DefaultCollection
	cfg.Storage.Timeout = 5 * time.Second

	return cfg
}

// LoadConfig loads configuration from YAML file and supplements with environment variables.
// A .env file (ENV_FILE, default ".env") is loaded first without overriding the process env.
func LoadConfig() (*Config, error) {
	cfg := Default()

	envFile := getEnv(EnvFile, DefaultEnvFile)
	if err := godotenv.Load(envFile); err == nil {
		slog.Debug("env file loaded", "path", envFile)
	}

	configPath := getEnv(EnvConfigPath, DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", configPath, err)
		}
		slog.Debug("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		slog.Debug("config not found, using defaults", "path", configPath)
	}

	// Secrets and endpoint always come from the environment when set
	cfg.LLM.APIKey = getEnv(EnvASIAPIKey, cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv(EnvASIModel, cfg.LLM.Model)
	cfg.LLM.APIBase = getEnv(EnvASIAPIBase, cfg.LLM.APIBase)
	cfg.Embedding.APIKey = getEnv(EnvOpenAIAPIKey, cfg.Embedding.APIKey)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := getEnv("LOG_OUTPUT", ""); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}
	if envLogMaxSize := getEnvInt("LOG_MAX_SIZE", 0); envLogMaxSize != 0 {
		cfg.Log.Rotation.MaxSize = envLogMaxSize
	}
	if envLogMaxBackups := getEnvInt("LOG_MAX_BACKUPS", 0); envLogMaxBackups != 0 {
		cfg.Log.Rotation.MaxBackups = envLogMaxBackups
	}
	if envLogMaxAge := getEnvInt("LOG_MAX_AGE", 0); envLogMaxAge != 0 {
		cfg.Log.Rotation.MaxAge = envLogMaxAge
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.LLM.APIKey == "" {
		errs = append(errs, EnvASIAPIKey+" is required")
	}

	switch c.LLM.Backend {
	case BackendOpenAI, BackendLangChain:
	default:
		errs = append(errs, fmt.Sprintf("unknown llm backend: %q", c.LLM.Backend))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}

	switch c.Embedding.Provider {
	case EmbeddingOpenAI, EmbeddingHash:
	default:
		errs = append(errs, fmt.Sprintf("unknown embedding provider: %q", c.Embedding.Provider))
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverRedis, DriverMySQL, DriverMilvus:
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver: %q", c.Storage.Driver))
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DSN == "" {
		errs = append(errs, fmt.Sprintf("storage dsn is required for driver %q", c.Storage.Driver))
	}

	if c.Index.ChunkSize <= 0 {
		errs = append(errs, fmt.Sprintf("invalid chunk size: %d", c.Index.ChunkSize))
	}
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		errs = append(errs, fmt.Sprintf("chunk overlap %d must be in [0, chunk size)", c.Index.ChunkOverlap))
	}
	if c.Index.TopK <= 0 {
		errs = append(errs, fmt.Sprintf("invalid top_k: %d", c.Index.TopK))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateEmbedding reports problems that only matter when documents are indexed
func (c *Config) ValidateEmbedding() error {
	if c.Embedding.Provider == EmbeddingOpenAI && c.Embedding.APIKey == "" {
		return fmt.Errorf("config invalid: %s is required for openai embeddings", EnvOpenAIAPIKey)
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
