package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"asi-llm/internal/domain"
	"asi-llm/internal/index"

	_ "modernc.org/sqlite" // Pure Go driver, CGO-free, compatible with CGO_ENABLED=0
)

// SQLiteStore persists nodes in a SQLite table.
type SQLiteStore struct {
	sqlStore
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// NewSQLiteStore opens (and migrates) a node table in the database at dsn.
func NewSQLiteStore(dsn, table string) (*SQLiteStore, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	db, err := openSQLite(dsn)
	if err != nil {
		return nil, err
	}

	schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id          TEXT PRIMARY KEY,
        document_id TEXT NOT NULL,
        text        TEXT NOT NULL,
        metadata    TEXT NOT NULL,
        embedding   BLOB NOT NULL,
        created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_document ON %[1]s(document_id);
    `, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	upsert := fmt.Sprintf(`
        INSERT INTO %s (id, document_id, text, metadata, embedding)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            document_id = excluded.document_id,
            text = excluded.text,
            metadata = excluded.metadata,
            embedding = excluded.embedding
    `, table)

	return &SQLiteStore{sqlStore{db: db, table: table, upsert: upsert}}, nil
}

// SQLiteQueryLog records answered queries in SQLite.
type SQLiteQueryLog struct {
	db *sql.DB
}

// NewSQLiteQueryLog opens (and migrates) the query log at dsn.
func NewSQLiteQueryLog(dsn string) (*SQLiteQueryLog, error) {
	db, err := openSQLite(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrateQueryLog(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteQueryLog{db: db}, nil
}

func migrateQueryLog(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS queries (
        id           TEXT PRIMARY KEY,
        query        TEXT NOT NULL,
        response     TEXT NOT NULL,
        sources_data TEXT NOT NULL,
        model        TEXT NOT NULL,
        created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
        duration_ms  INTEGER,
        status       TEXT NOT NULL,
        error        TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_queries_created ON queries(created_at);
    `
	_, err := db.Exec(schema)
	return err
}

func (r *SQLiteQueryLog) SaveQuery(ctx context.Context, record *QueryRecord) error {
	sources, err := json.Marshal(record.SourceNodes)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO queries (id, query, response, sources_data, model, duration_ms, status, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, record.ID, record.Query, record.Response, string(sources), record.Model,
		record.DurationMs, record.Status, record.Error, record.CreatedAt)
	return err
}

func (r *SQLiteQueryLog) GetQuery(ctx context.Context, id string) (*QueryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT id, query, response, sources_data, model, created_at, duration_ms, status, error
        FROM queries WHERE id = ?
    `, id)
	return scanQuery(row)
}

func (r *SQLiteQueryLog) ListRecentQueries(ctx context.Context, limit int) ([]*QueryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, query, response, sources_data, model, created_at, duration_ms, status, error
        FROM queries
        ORDER BY created_at DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*QueryRecord
	for rows.Next() {
		record, err := scanQuery(rows)
		if err != nil {
			slog.Warn("scan query failed", "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *SQLiteQueryLog) Close() error {
	return r.db.Close()
}

func scanQuery(s Scanner) (*QueryRecord, error) {
	var id, query, response, sourcesData, model, status, errText string
	var createdAt time.Time
	var durationMs int64

	if err := s.Scan(&id, &query, &response, &sourcesData, &model, &createdAt, &durationMs, &status, &errText); err != nil {
		return nil, err
	}

	var sources []domain.NodeWithScore
	if err := json.Unmarshal([]byte(sourcesData), &sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}

	return &QueryRecord{
		ID:          id,
		Query:       query,
		Response:    response,
		SourceNodes: sources,
		Model:       model,
		CreatedAt:   createdAt,
		DurationMs:  durationMs,
		Status:      status,
		Error:       errText,
	}, nil
}

var (
	_ index.VectorStore = (*SQLiteStore)(nil)
	_ QueryLog          = (*SQLiteQueryLog)(nil)
)
