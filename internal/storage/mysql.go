package storage

import (
	"database/sql"
	"fmt"
	"time"

	"asi-llm/internal/index"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore persists nodes in a MySQL table.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore opens (and migrates) a node table. dsn uses the
// go-sql-driver format, e.g. "user:pass@tcp(host:3306)/db".
func NewMySQLStore(dsn, table string) (*MySQLStore, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id          VARCHAR(64) PRIMARY KEY,
        document_id VARCHAR(512) NOT NULL,
        text        LONGTEXT NOT NULL,
        metadata    JSON NOT NULL,
        embedding   LONGBLOB NOT NULL,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        INDEX idx_%[1]s_document (document_id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	upsert := fmt.Sprintf(`
        INSERT INTO %s (id, document_id, text, metadata, embedding)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            document_id = VALUES(document_id),
            text = VALUES(text),
            metadata = VALUES(metadata),
            embedding = VALUES(embedding)
    `, table)

	return &MySQLStore{sqlStore{db: db, table: table, upsert: upsert}}, nil
}

var _ index.VectorStore = (*MySQLStore)(nil)
