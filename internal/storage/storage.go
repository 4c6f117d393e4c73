package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/domain"
	"asi-llm/internal/index"
)

// QueryRecord Query persistence record
type QueryRecord struct {
	ID          string                 `json:"id"`
	Query       string                 `json:"query"`
	Response    string                 `json:"response"`
	SourceNodes []domain.NodeWithScore `json:"source_nodes"`
	Model       string                 `json:"model"`
	CreatedAt   time.Time              `json:"created_at"`
	DurationMs  int64                  `json:"duration_ms"`
	Status      string                 `json:"status"` // success, error
	Error       string                 `json:"error,omitempty"`
}

// QueryLog Storage interface for answered queries
type QueryLog interface {
	SaveQuery(ctx context.Context, record *QueryRecord) error
	GetQuery(ctx context.Context, id string) (*QueryRecord, error)
	ListRecentQueries(ctx context.Context, limit int) ([]*QueryRecord, error)
	Close() error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// validIdentifier guards table and collection names that end up in SQL text.
func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// Open creates the vector store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (index.VectorStore, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = config.DefaultCollection
	}

	switch cfg.Driver {
	case "", config.DriverMemory:
		return index.NewMemoryStore(), nil
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.DSN, collection)
	case config.DriverMySQL:
		return NewMySQLStore(cfg.DSN, collection)
	case config.DriverRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.DSN,
			Password: cfg.Password,
			Prefix:   collection,
		})
	case config.DriverMilvus:
		return NewMilvusStore(ctx, cfg.DSN, collection)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
