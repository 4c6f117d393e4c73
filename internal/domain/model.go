package domain

import (
	"maps"
	"strings"
)

// Document is a unit of source text handed to the index.
// It serves as the canonical input structure across the application (Loader -> Splitter -> Index).
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a chunk of a Document together with its embedding.
type Node struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Embedding  []float32      `json:"-"`
}

// NodeWithScore is a retrieved node and its similarity to the query.
type NodeWithScore struct {
	Node  Node    `json:"node"`
	Score float64 `json:"score"`
}

// Response is the answer of a query engine with the nodes it was built from.
type Response struct {
	Text        string          `json:"response"`
	SourceNodes []NodeWithScore `json:"source_nodes"`
}

func (r *Response) String() string {
	return r.Text
}

// CloneMetadata returns a shallow copy of m, or nil for an empty map.
func CloneMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

// ContextString joins node texts, separated by blank lines, in order.
func ContextString(nodes []NodeWithScore) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, n.Node.Text)
	}
	return strings.Join(parts, "\n\n")
}
