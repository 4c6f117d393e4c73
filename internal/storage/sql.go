package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/index"
)

// sqlStore is a VectorStore over database/sql. Similarity is computed in
// process; the database only persists nodes.
type sqlStore struct {
	db     *sql.DB
	table  string
	upsert string
}

func (s *sqlStore) Add(ctx context.Context, nodes []domain.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		meta, err := encodeMetadata(n.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.DocumentID, n.Text, meta, encodeVector(n.Embedding)); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Query(ctx context.Context, vector []float32, topK int) ([]domain.NodeWithScore, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, document_id, text, metadata, embedding FROM %s`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scored []domain.NodeWithScore
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			slog.Warn("scan node failed", "error", err)
			continue
		}
		scored = append(scored, domain.NodeWithScore{
			Node:  *node,
			Score: embedding.Cosine(vector, node.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return index.TopK(scored, topK), nil
}

func (s *sqlStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = ?`, s.table), documentID)
	return err
}

func (s *sqlStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Scanner interface to support both Row and Rows
type Scanner interface {
	Scan(dest ...any) error
}

func scanNode(s Scanner) (*domain.Node, error) {
	var id, documentID, text, metadata string
	var blob []byte

	if err := s.Scan(&id, &documentID, &text, &metadata, &blob); err != nil {
		return nil, err
	}

	meta, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, err
	}

	return &domain.Node{
		ID:         id,
		DocumentID: documentID,
		Text:       text,
		Metadata:   meta,
		Embedding:  vec,
	}, nil
}
