package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"asi-llm/internal/domain"
	"asi-llm/internal/embedding"
	"asi-llm/internal/index"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	milvusFieldID         = "id"
	milvusFieldDocumentID = "document_id"
	milvusFieldText       = "text"
	milvusFieldMetadata   = "metadata"
	milvusFieldEmbedding  = "embedding"
)

// MilvusStore keeps nodes in a Milvus collection. Vectors are normalised
// before insert and search so that inner product equals cosine similarity.
// The collection is created on the first Add, once the dimension is known.
type MilvusStore struct {
	client     client.Client
	collection string

	mu    sync.Mutex
	ready bool
}

// NewMilvusStore connects to Milvus at addr (host:port).
func NewMilvusStore(ctx context.Context, addr, collection string) (*MilvusStore, error) {
	if addr == "" {
		addr = "localhost:19530"
	}
	c, err := client.NewDefaultGrpcClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("create milvus client: %w", err)
	}
	s, err := NewMilvusStoreWithClient(ctx, c, collection)
	if err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

// NewMilvusStoreWithClient uses an existing client.
func NewMilvusStoreWithClient(ctx context.Context, c client.Client, collection string) (*MilvusStore, error) {
	if err := validIdentifier(collection); err != nil {
		return nil, err
	}
	s := &MilvusStore{client: c, collection: collection}

	exists, err := c.HasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("check collection existence: %w", err)
	}
	if exists {
		if err := c.LoadCollection(ctx, collection, false); err != nil {
			return nil, fmt.Errorf("load collection: %w", err)
		}
		s.ready = true
	}
	return s, nil
}

// ensureCollection creates the collection for vectors of size dim.
func (s *MilvusStore) ensureCollection(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "ASI document nodes",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       milvusFieldDocumentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       milvusFieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       milvusFieldMetadata,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       milvusFieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
		},
	}

	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	idx, err := entity.NewIndexFlat(entity.IP)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.collection, milvusFieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.client.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	s.ready = true
	return nil
}

// Add implements index.VectorStore
func (s *MilvusStore) Add(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	dim := len(nodes[0].Embedding)
	if err := s.ensureCollection(ctx, dim); err != nil {
		return err
	}

	ids := make([]string, len(nodes))
	docIDs := make([]string, len(nodes))
	texts := make([]string, len(nodes))
	metas := make([]string, len(nodes))
	vectors := make([][]float32, len(nodes))
	for i, n := range nodes {
		if len(n.Embedding) != dim {
			return fmt.Errorf("node %s has dimension %d, want %d", n.ID, len(n.Embedding), dim)
		}
		meta, err := encodeMetadata(n.Metadata)
		if err != nil {
			return err
		}
		ids[i] = n.ID
		docIDs[i] = n.DocumentID
		texts[i] = n.Text
		metas[i] = meta
		vectors[i] = embedding.Normalize(append([]float32(nil), n.Embedding...))
	}

	_, err := s.client.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldDocumentID, docIDs),
		entity.NewColumnVarChar(milvusFieldText, texts),
		entity.NewColumnVarChar(milvusFieldMetadata, metas),
		entity.NewColumnFloatVector(milvusFieldEmbedding, dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("upsert into milvus: %w", err)
	}
	if err := s.client.Flush(ctx, s.collection, false); err != nil {
		return fmt.Errorf("flush milvus: %w", err)
	}
	return nil
}

// Query implements index.VectorStore
func (s *MilvusStore) Query(ctx context.Context, vector []float32, topK int) ([]domain.NodeWithScore, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, nil
	}

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("create search param: %w", err)
	}

	query := embedding.Normalize(append([]float32(nil), vector...))
	results, err := s.client.Search(
		ctx,
		s.collection,
		[]string{},
		"",
		[]string{milvusFieldID, milvusFieldDocumentID, milvusFieldText, milvusFieldMetadata},
		[]entity.Vector{entity.FloatVector(query)},
		milvusFieldEmbedding,
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search milvus: %w", err)
	}

	var out []domain.NodeWithScore
	for _, result := range results {
		cols := map[string]*entity.ColumnVarChar{}
		for _, col := range result.Fields {
			if vc, ok := col.(*entity.ColumnVarChar); ok {
				cols[col.Name()] = vc
			}
		}
		idCol := cols[milvusFieldID]
		if idCol == nil {
			continue
		}
		for i := 0; i < idCol.Len(); i++ {
			node := domain.Node{
				ID:         columnString(idCol, i),
				DocumentID: columnString(cols[milvusFieldDocumentID], i),
				Text:       columnString(cols[milvusFieldText], i),
			}
			if raw := columnString(cols[milvusFieldMetadata], i); raw != "" {
				node.Metadata, _ = decodeMetadata(raw)
			}
			var score float64
			if i < len(result.Scores) {
				score = float64(result.Scores[i])
			}
			out = append(out, domain.NodeWithScore{Node: node, Score: score})
		}
	}
	return index.TopK(out, topK), nil
}

func columnString(col *entity.ColumnVarChar, i int) string {
	if col == nil || i >= col.Len() {
		return ""
	}
	v, err := col.ValueByIdx(i)
	if err != nil {
		return ""
	}
	return v
}

// Delete implements index.VectorStore
func (s *MilvusStore) Delete(ctx context.Context, documentID string) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil
	}
	expr := fmt.Sprintf("%s == %s", milvusFieldDocumentID, quoteMilvus(documentID))
	if err := s.client.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("delete from milvus: %w", err)
	}
	return nil
}

// quoteMilvus renders s as a Milvus boolean-expression string literal.
func quoteMilvus(s string) string {
	return strconv.Quote(s)
}

// Count implements index.VectorStore
func (s *MilvusStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return 0, nil
	}
	cols, err := s.client.Query(ctx, s.collection, []string{}, "", []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("count milvus rows: %w", err)
	}
	for _, col := range cols {
		if c, ok := col.(*entity.ColumnInt64); ok && c.Len() > 0 {
			n, err := c.ValueByIdx(0)
			if err != nil {
				return 0, err
			}
			return int(n), nil
		}
	}
	return 0, nil
}

// Close implements index.VectorStore
func (s *MilvusStore) Close() error {
	return s.client.Close()
}

var _ index.VectorStore = (*MilvusStore)(nil)
