package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/index"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// EmbeddedRedisAddr selects an in-process Redis server instead of a remote one.
const EmbeddedRedisAddr = "embedded"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string // host:port, or "embedded"
	Password string
	DB       int
	Prefix   string // Key prefix, one per collection
	Client   *redis.Client
}

// RedisStore keeps each node in a hash, plus an id set per collection and
// per document. Similarity is computed in process.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	embedded *miniredis.Miniredis
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "asi_nodes"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	s := &RedisStore{client: opts.Client, prefix: prefix}
	if s.client == nil {
		addr := opts.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		if addr == EmbeddedRedisAddr {
			m, err := miniredis.Run()
			if err != nil {
				return nil, fmt.Errorf("start embedded redis: %w", err)
			}
			s.embedded = m
			addr = m.Addr()
			slog.Info("embedded redis started", "addr", addr)
		}
		s.client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return s, nil
}

func (s *RedisStore) idsKey() string             { return s.prefix + "ids" }
func (s *RedisStore) nodeKey(id string) string   { return s.prefix + "node:" + id }
func (s *RedisStore) docKey(docID string) string { return s.prefix + "doc:" + docID }

// Add implements index.VectorStore
func (s *RedisStore) Add(ctx context.Context, nodes []domain.Node) error {
	pipe := s.client.TxPipeline()
	for _, n := range nodes {
		meta, err := encodeMetadata(n.Metadata)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.nodeKey(n.ID), map[string]any{
			"document_id": n.DocumentID,
			"text":        n.Text,
			"metadata":    meta,
			"embedding":   encodeVector(n.Embedding),
		})
		pipe.SAdd(ctx, s.idsKey(), n.ID)
		pipe.SAdd(ctx, s.docKey(n.DocumentID), n.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save nodes to redis: %w", err)
	}
	return nil
}

// Query implements index.VectorStore
func (s *RedisStore) Query(ctx context.Context, vector []float32, topK int) ([]domain.NodeWithScore, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list node ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.nodeKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load nodes from redis: %w", err)
	}

	scored := make([]domain.NodeWithScore, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		node, err := nodeFromHash(ids[i], fields)
		if err != nil {
			slog.Warn("decode node failed", "id", ids[i], "error", err)
			continue
		}
		scored = append(scored, domain.NodeWithScore{
			Node:  *node,
			Score: embedding.Cosine(vector, node.Embedding),
		})
	}
	return index.TopK(scored, topK), nil
}

func nodeFromHash(id string, fields map[string]string) (*domain.Node, error) {
	meta, err := decodeMetadata(fields["metadata"])
	if err != nil {
		return nil, err
	}
	vec, err := decodeVector([]byte(fields["embedding"]))
	if err != nil {
		return nil, err
	}
	return &domain.Node{
		ID:         id,
		DocumentID: fields["document_id"],
		Text:       fields["text"],
		Metadata:   meta,
		Embedding:  vec,
	}, nil
}

// Delete implements index.VectorStore
func (s *RedisStore) Delete(ctx context.Context, documentID string) error {
	ids, err := s.client.SMembers(ctx, s.docKey(documentID)).Result()
	if err != nil {
		return fmt.Errorf("list document nodes: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	keys := make([]string, 0, len(ids)+1)
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.nodeKey(id))
		members = append(members, id)
	}
	keys = append(keys, s.docKey(documentID))
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.idsKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete document nodes: %w", err)
	}
	return nil
}

// Count implements index.VectorStore
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.idsKey()).Result()
	return int(n), err
}

// Close closes the client connection and the embedded server, if any.
func (s *RedisStore) Close() error {
	err := s.client.Close()
	if s.embedded != nil {
		s.embedded.Close()
	}
	return err
}

var _ index.VectorStore = (*RedisStore)(nil)
