// Package splitter cuts documents into token-bounded nodes.
package splitter

import (
	"fmt"
	"log/slog"

	"asi-llm/internal/domain"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
)

// sentenceSeparators prefer paragraph, then line, then sentence boundaries
// before falling back to words and characters.
var sentenceSeparators = []string{"\n\n\n", "\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " ", ""}

// SentenceSplitter splits text into chunks of at most ChunkSize tokens,
// with ChunkOverlap tokens carried between neighbours.
type SentenceSplitter struct {
	ChunkSize    int
	ChunkOverlap int

	counter      *TokenCounter
	preprocessor *Preprocessor
	splitter     textsplitter.RecursiveCharacter
}

// NewSentenceSplitter creates a splitter. A nil counter estimates tokens.
func NewSentenceSplitter(chunkSize, chunkOverlap int, counter *TokenCounter) (*SentenceSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", chunkOverlap, chunkSize)
	}
	if counter == nil {
		counter = NewTokenCounter("")
	}

	return &SentenceSplitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		counter:      counter,
		preprocessor: NewPreprocessor(DefaultPreprocessOptions()),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(sentenceSeparators),
			textsplitter.WithLenFunc(counter.Count),
		),
	}, nil
}

// Counter returns the token counter used for chunk lengths.
func (s *SentenceSplitter) Counter() *TokenCounter {
	return s.counter
}

// SplitText cleans text and splits it into chunks.
func (s *SentenceSplitter) SplitText(text string) ([]string, error) {
	text = s.preprocessor.Preprocess(text)
	if text == "" {
		return nil, nil
	}
	chunks, err := s.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// SplitDocuments splits every document into nodes. Nodes inherit a copy of
// the document metadata plus their chunk index.
func (s *SentenceSplitter) SplitDocuments(docs []domain.Document) ([]domain.Node, error) {
	var nodes []domain.Node
	for _, doc := range docs {
		chunks, err := s.SplitText(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		for i, chunk := range chunks {
			meta := domain.CloneMetadata(doc.Metadata)
			if meta == nil {
				meta = map[string]any{}
			}
			meta["chunk_index"] = i
			nodes = append(nodes, domain.Node{
				ID:         uuid.NewString(),
				DocumentID: doc.ID,
				Text:       chunk,
				Metadata:   meta,
			})
		}
		slog.Debug("document split", "document_id", doc.ID, "nodes", len(chunks))
	}
	return nodes, nil
}
