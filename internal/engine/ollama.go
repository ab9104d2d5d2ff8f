package engine

import (
	"context"

	"github.com/kalambet/kbchat/internal/ollama"
)

// OllamaEngine is an Engine backed by an Ollama server.
type OllamaEngine struct {
	client *ollama.Client
}

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	wire := make([]ollama.Message, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, ollama.Message(m))
	}
	return e.client.Chat(ctx, model, wire, wireOptions(opts))
}

func wireOptions(opts Options) *ollama.Options {
	if opts.Temperature == nil && opts.NumCtx <= 0 {
		return nil
	}
	return &ollama.Options{Temperature: opts.Temperature, NumCtx: opts.NumCtx}
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, model, texts)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool { return e.client.IsRunning(ctx) }

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.client.PullModel(ctx, name, nil)
	}
	return e.client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress(p))
	})
}
