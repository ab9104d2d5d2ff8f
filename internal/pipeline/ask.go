// Package pipeline answers questions against a chat session: it resolves the
// chat, renders the prompt template, retrieves context, calls the model and
// commits the exchange.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/crm"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/models"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

// ChatSessions loads chats, serializes work on one chat and commits exchanges.
type ChatSessions interface {
	Lock(chatID string) func()
	Get(ctx context.Context, id string) (storage.Chat, error)
	AppendExchange(ctx context.Context, chatID, user, assistant string) error
}

// CategoryLookup finds a category by name.
type CategoryLookup interface {
	Get(ctx context.Context, name string) (storage.Category, error)
}

// PromptResolver finds a prompt template by title.
type PromptResolver interface {
	Resolve(ctx context.Context, title string) (storage.Prompt, error)
}

// ModelResolver turns a catalog model name into a callable handle.
type ModelResolver interface {
	Resolve(name string) (*models.Handle, error)
}

// ChunkRetriever ranks a category's chunks against the question.
type ChunkRetriever interface {
	RetrieveRelevant(ctx context.Context, categoryName, query string, scope []string, topK int) ([]retrieval.ScoredChunk, error)
}

// Request is one question asked in a chat.
type Request struct {
	ChatID       string
	Prompt       string
	CategoryName string
	PromptTitle  string
	Executor     string
}

// Response is the committed answer and what it was grounded on.
type Response struct {
	Answer   string
	ChatID   string
	Model    string
	Category string
	Sources  []string
	Chunks   []retrieval.ScoredChunk
}

// Option configures an Asker.
type Option func(*Asker)

// WithTopK sets how many chunks are retrieved per ask.
func WithTopK(k int) Option {
	return func(a *Asker) { a.topK = k }
}

// WithRecorder sets where committed interactions are reported.
func WithRecorder(r crm.Recorder) Option {
	return func(a *Asker) { a.recorder = r }
}

// WithComposer sets the prompt composer and its token budgets.
func WithComposer(c *composer.Composer) Option {
	return func(a *Asker) { a.composer = c }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Asker) { a.logger = l }
}

// Asker runs the ask pipeline. The chat lock is held from loading the chat
// until the exchange is committed, so asks on one chat never interleave.
type Asker struct {
	chats      ChatSessions
	categories CategoryLookup
	prompts    PromptResolver
	models     ModelResolver
	retriever  ChunkRetriever
	composer   *composer.Composer
	recorder   crm.Recorder
	topK       int
	logger     *slog.Logger
	pending    sync.WaitGroup
}

// NewAsker wires an Asker over its stores, resolvers and retriever.
func NewAsker(chats ChatSessions, categories CategoryLookup, prompts PromptResolver, models ModelResolver, retriever ChunkRetriever, opts ...Option) *Asker {
	a := &Asker{
		chats:      chats,
		categories: categories,
		prompts:    prompts,
		models:     models,
		retriever:  retriever,
		composer:   composer.New(0, 0),
		recorder:   crm.Noop{},
		topK:       retrieval.DefaultTopK,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ask answers req.Prompt in the chat and appends the exchange to its history.
// Nothing is committed when any step fails.
func (a *Asker) Ask(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return Response{}, apperr.Validation("chat id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, apperr.Validation("prompt is required")
	}
	start := time.Now()

	unlock := a.chats.Lock(req.ChatID)
	defer unlock()

	chat, err := a.chats.Get(ctx, req.ChatID)
	if err != nil {
		return Response{}, err
	}
	model, err := a.models.Resolve(chat.ModelName)
	if err != nil {
		return Response{}, err
	}
	cat, scope, err := a.resolveCategory(ctx, chat, req.CategoryName)
	if err != nil {
		return Response{}, err
	}

	instruction, question, err := a.renderPrompt(ctx, req, chat, cat)
	if err != nil {
		return Response{}, err
	}

	var chunks []retrieval.ScoredChunk
	if cat != nil {
		chunks, err = a.retriever.RetrieveRelevant(ctx, cat.Name, req.Prompt, scope, a.topK)
		if err != nil {
			return Response{}, fmt.Errorf("retrieving context: %w", err)
		}
	}

	composed := a.composer.Compose(composer.Input{
		Instruction: instruction,
		Chunks:      chunks,
		History:     chat.Messages,
		Question:    question,
	})

	answer, err := model.Generate(ctx, composed.Messages, models.Params{})
	if err != nil {
		return Response{}, err
	}

	if err := a.chats.AppendExchange(ctx, chat.ID, req.Prompt, answer); err != nil {
		return Response{}, err
	}

	resp := Response{
		Answer:  answer,
		ChatID:  chat.ID,
		Model:   model.Name(),
		Sources: sourceNames(composed.Chunks),
		Chunks:  composed.Chunks,
	}
	if cat != nil {
		resp.Category = cat.Name
	}

	a.logger.Info("ask complete",
		"chat_id", chat.ID,
		"model", resp.Model,
		"category", resp.Category,
		"chunks_used", len(resp.Chunks),
		"history_dropped", composed.HistoryDropped,
		"duration", time.Since(start),
	)

	a.record(ctx, crm.Interaction{
		Executor: req.Executor,
		ChatID:   chat.ID,
		ChatName: chat.Name,
		Category: resp.Category,
		Model:    resp.Model,
		Question: req.Prompt,
		Answer:   answer,
		Sources:  resp.Sources,
	})
	return resp, nil
}

// Wait blocks until background interaction reports have finished.
func (a *Asker) Wait() {
	a.pending.Wait()
}

func (a *Asker) record(ctx context.Context, in crm.Interaction) {
	ctx = context.WithoutCancel(ctx)
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.recorder.RecordInteraction(ctx, in)
	}()
}

// resolveCategory returns the category the ask retrieves from and the source
// scope within it. A nil category means the chat is unbound and no hint was
// given.
func (a *Asker) resolveCategory(ctx context.Context, chat storage.Chat, hint string) (*storage.Category, []string, error) {
	if chat.CategoryName != "" {
		if hint != "" && hint != chat.CategoryName {
			return nil, nil, apperr.Validation("chat is bound to category %q, not %q", chat.CategoryName, hint)
		}
		cat, err := a.categories.Get(ctx, chat.CategoryName)
		if err != nil {
			return nil, nil, err
		}
		return &cat, chat.Sources, nil
	}
	if hint == "" {
		return nil, nil, nil
	}
	cat, err := a.categories.Get(ctx, hint)
	if err != nil {
		return nil, nil, err
	}
	return &cat, nil, nil
}

// renderPrompt picks the template for the ask and splits its output into a
// system instruction and the user question. A template that embeds the
// question becomes the question itself.
func (a *Asker) renderPrompt(ctx context.Context, req Request, chat storage.Chat, cat *storage.Category) (instruction, question string, err error) {
	var tmpl string
	switch {
	case req.PromptTitle != "":
		p, err := a.prompts.Resolve(ctx, req.PromptTitle)
		if err != nil {
			return "", "", err
		}
		tmpl = p.Content
	case cat != nil && cat.DefaultPrompt != "":
		p, err := a.prompts.Resolve(ctx, cat.DefaultPrompt)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			a.logger.Warn("default prompt missing, using raw prompt", "category", cat.Name, "prompt", cat.DefaultPrompt)
		case err != nil:
			return "", "", err
		default:
			tmpl = p.Content
		}
	}
	if tmpl == "" {
		return "", req.Prompt, nil
	}

	vars := map[string]string{
		kb.VarPrompt: req.Prompt,
		kb.VarQuery:  req.Prompt,
		kb.VarChat:   chat.Name,
	}
	if cat != nil {
		vars[kb.VarCategory] = cat.Name
	}
	rendered, err := kb.Render(tmpl, vars)
	if err != nil {
		return "", "", err
	}
	if kb.References(tmpl, kb.VarPrompt, kb.VarQuery) {
		return "", rendered, nil
	}
	return rendered, req.Prompt, nil
}

func sourceNames(chunks []retrieval.ScoredChunk) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chunks {
		if !seen[c.SourceName] {
			seen[c.SourceName] = true
			out = append(out, c.SourceName)
		}
	}
	return out
}
