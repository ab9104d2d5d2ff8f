package models

import (
	"context"

	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/proxy"
)

// Providers understood by the registry.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

// Backend performs one generation call against a provider.
type Backend interface {
	Generate(ctx context.Context, modelID string, messages []engine.Message, p Params) (string, error)
}

type ollamaBackend struct {
	engine engine.Engine
}

// NewOllamaBackend adapts a local inference engine.
func NewOllamaBackend(e engine.Engine) Backend {
	return &ollamaBackend{engine: e}
}

func (b *ollamaBackend) Generate(ctx context.Context, modelID string, messages []engine.Message, p Params) (string, error) {
	return b.engine.Chat(ctx, modelID, messages, engine.Options{Temperature: p.Temperature, NumCtx: p.NumCtx})
}

type openRouterBackend struct {
	client *proxy.Client
}

// NewOpenRouterBackend adapts a hosted OpenRouter client.
func NewOpenRouterBackend(c *proxy.Client) Backend {
	return &openRouterBackend{client: c}
}

func (b *openRouterBackend) Generate(ctx context.Context, modelID string, messages []engine.Message, p Params) (string, error) {
	msgs := make([]proxy.Message, len(messages))
	for i, m := range messages {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	return b.client.Complete(ctx, proxy.ChatRequest{Model: modelID, Messages: msgs, Temperature: p.Temperature})
}
