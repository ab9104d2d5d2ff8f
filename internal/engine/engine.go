package engine

import "context"

// Engine abstracts a local inference backend. The model registry uses it for
// generation and the retrieval embedder for vectors.
type Engine interface {
	Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error)

	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	IsRunning(ctx context.Context) bool

	// HasModel reports whether name is available without pulling.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
