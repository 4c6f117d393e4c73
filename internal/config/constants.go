package config

// LLM backends
const (
	BackendOpenAI    = "openai"
	BackendLangChain = "langchain"
)

// Embedding providers
const (
	EmbeddingOpenAI = "openai"
	EmbeddingHash   = "hash"
)

// Storage drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
	DriverMilvus = "milvus"
)

// Environment variables
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvFile         = "ENV_FILE"
	EnvASIAPIKey    = "ASI_API_KEY"
	EnvASIModel     = "ASI_MODEL"
	EnvASIAPIBase   = "ASI_API_BASE"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// ASI endpoint defaults
const (
	DefaultASIModel   = "asi1-mini"
	DefaultASIAPIBase = "https://api.asi1.ai/v1"
)

// Retrieval defaults
const (
	DefaultChunkSize      = 1024
	DefaultChunkOverlap   = 200
	DefaultTopK           = 2
	DefaultEmbeddingModel = "text-embedding-ada-002"
	DefaultOpenAIBase     = "https://api.openai.com/v1"
	DefaultHashDimensions = 256
	DefaultCollection     = "asi_nodes"
)

// Token limit error keywords (internal use only, not configurable)
var TokenLimitErrorKeywords = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"token limit",
	"too many tokens",
}
