package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/kbchat/internal/storage"
)

// DefaultTopK is the number of chunks returned when the caller passes 0.
const DefaultTopK = 5

// ScoredChunk is a retrieved chunk with its relevance score.
type ScoredChunk struct {
	storage.Chunk
	Score float64
}

// ChunkLister loads the chunks of a category, optionally restricted to a set
// of source names (nil = all sources).
type ChunkLister interface {
	ListChunks(ctx context.Context, categoryName string, sourceNames []string) ([]storage.Chunk, error)
}

// QueryEmbedder embeds a query for vector scoring.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever ranks stored chunks against a query.
type Retriever struct {
	chunks   ChunkLister
	embedder QueryEmbedder
	mode     string
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. With a nil embedder, or mode other than
// "vector", chunks are scored lexically.
func NewRetriever(chunks ChunkLister, embedder QueryEmbedder, mode string) *Retriever {
	if embedder == nil || mode != ModeVector {
		mode = ModeLexical
	}
	return &Retriever{chunks: chunks, embedder: embedder, mode: mode, logger: slog.Default()}
}

// Mode reports the scoring mode in effect.
func (r *Retriever) Mode() string { return r.mode }

// RetrieveRelevant returns up to topK chunks of the scoped sources ranked by
// descending score. Ties are broken by source name, then offset. Chunks that
// score zero are never returned. An empty scope or no match yields an empty
// result, not an error.
func (r *Retriever) RetrieveRelevant(ctx context.Context, categoryName, query string, scope []string, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	chunks, err := r.chunks.ListChunks(ctx, categoryName, scope)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	var scores []float64
	if r.mode == ModeVector {
		qVec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			r.logger.Warn("query embedding failed, using lexical scoring", "category", categoryName, "error", err)
			scores = lexicalScores(query, chunks)
		} else {
			scores = vectorScores(query, qVec, chunks)
		}
	} else {
		scores = lexicalScores(query, chunks)
	}

	h := &rankHeap{}
	for i, c := range chunks {
		if scores[i] <= 0 {
			continue
		}
		sc := ScoredChunk{Chunk: c, Score: scores[i]}
		if h.Len() < topK {
			heap.Push(h, sc)
		} else if ranksBefore(sc, (*h)[0]) {
			(*h)[0] = sc
			heap.Fix(h, 0)
		}
	}

	out := make([]ScoredChunk, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(ScoredChunk)
	}
	return out, nil
}

// ranksBefore reports whether a should be listed before b.
func ranksBefore(a, b ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SourceName != b.SourceName {
		return a.SourceName < b.SourceName
	}
	return a.Offset < b.Offset
}

// rankHeap is a min-heap whose root is the worst-ranked kept chunk.
type rankHeap []ScoredChunk

func (h rankHeap) Len() int            { return len(h) }
func (h rankHeap) Less(i, j int) bool  { return ranksBefore(h[j], h[i]) }
func (h rankHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rankHeap) Push(x interface{}) { *h = append(*h, x.(ScoredChunk)) }
func (h *rankHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
