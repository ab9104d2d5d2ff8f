package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/keylock"
	"github.com/kalambet/kbchat/internal/storage"
)

const DefaultChatName = "New chat"

// ChatStore is the persistence the chat manager needs.
type ChatStore interface {
	CreateChat(ctx context.Context, ch storage.Chat) error
	GetChat(ctx context.Context, id string) (storage.Chat, error)
	ListChats(ctx context.Context) ([]storage.Chat, error)
	UpdateChat(ctx context.Context, ch storage.Chat) error
	DeleteChat(ctx context.Context, id string) error
	AppendMessages(ctx context.Context, chatID string, msgs []storage.Message) error
	GetCategory(ctx context.Context, name string) (storage.Category, error)
	ListSources(ctx context.Context, categoryName string) ([]storage.Source, error)
}

// ModelCatalog reports whether a model name is configured.
type ModelCatalog interface {
	Has(name string) bool
}

// EditChat is a partial update; nil fields are left unchanged. An empty
// CategoryName unbinds the chat. AllSources resets the scope to every source
// of the bound category.
type EditChat struct {
	Name         *string
	CategoryName *string
	ModelName    *string
	Sources      *[]string
	AllSources   bool
}

type Chats struct {
	store  ChatStore
	models ModelCatalog
	locks  *keylock.Map
	logger *slog.Logger
}

func NewChats(store ChatStore, models ModelCatalog) *Chats {
	return &Chats{store: store, models: models, locks: keylock.New(), logger: slog.Default()}
}

// Lock serializes work on one chat. The ask pipeline holds it from resolving
// the chat until the exchange is committed.
func (c *Chats) Lock(chatID string) func() {
	return c.locks.Lock(chatID)
}

func (c *Chats) category(ctx context.Context, name string) (storage.Category, error) {
	cat, err := c.store.GetCategory(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Category{}, apperr.NotFound("category %q not found", name)
	}
	if err != nil {
		return storage.Category{}, fmt.Errorf("loading category: %w", err)
	}
	return cat, nil
}

func (c *Chats) checkModel(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validation("model name is required")
	}
	if !c.models.Has(name) {
		return apperr.NotFound("model %q not found", name)
	}
	return nil
}

func (c *Chats) Create(ctx context.Context, modelName, categoryName string) (storage.Chat, error) {
	if err := c.checkModel(modelName); err != nil {
		return storage.Chat{}, err
	}
	now := time.Now().UTC()
	ch := storage.Chat{
		ID:        uuid.New().String(),
		Name:      DefaultChatName,
		ModelName: modelName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if categoryName != "" {
		cat, err := c.category(ctx, categoryName)
		if err != nil {
			return storage.Chat{}, err
		}
		ch.CategoryID, ch.CategoryName = cat.ID, cat.Name
	}

	err := c.store.CreateChat(ctx, ch)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Chat{}, apperr.NotFound("category %q not found", categoryName)
	}
	if err != nil {
		return storage.Chat{}, fmt.Errorf("creating chat: %w", err)
	}
	c.logger.Info("chat created", "chat_id", ch.ID, "model", modelName, "category", categoryName)
	return ch, nil
}

// Get returns the chat with its full history.
func (c *Chats) Get(ctx context.Context, id string) (storage.Chat, error) {
	ch, err := c.store.GetChat(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Chat{}, apperr.NotFound("chat %q not found", id)
	}
	if err != nil {
		return storage.Chat{}, fmt.Errorf("loading chat: %w", err)
	}
	return ch, nil
}

func (c *Chats) List(ctx context.Context) ([]storage.Chat, error) {
	chats, err := c.store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	return chats, nil
}

func (c *Chats) Edit(ctx context.Context, id string, e EditChat) (storage.Chat, error) {
	unlock := c.Lock(id)
	defer unlock()

	ch, err := c.Get(ctx, id)
	if err != nil {
		return storage.Chat{}, err
	}

	if e.Name != nil {
		name := strings.TrimSpace(*e.Name)
		if name == "" {
			return storage.Chat{}, apperr.Validation("chat name cannot be empty")
		}
		ch.Name = name
	}
	if e.ModelName != nil {
		if err := c.checkModel(*e.ModelName); err != nil {
			return storage.Chat{}, err
		}
		ch.ModelName = *e.ModelName
	}
	if e.CategoryName != nil && *e.CategoryName != ch.CategoryName {
		if *e.CategoryName == "" {
			ch.CategoryID, ch.CategoryName = "", ""
		} else {
			cat, err := c.category(ctx, *e.CategoryName)
			if err != nil {
				return storage.Chat{}, err
			}
			ch.CategoryID, ch.CategoryName = cat.ID, cat.Name
		}
		ch.Sources = nil
	}
	switch {
	case e.AllSources:
		ch.Sources = nil
	case e.Sources != nil:
		sources, err := c.checkSources(ctx, ch.CategoryName, *e.Sources)
		if err != nil {
			return storage.Chat{}, err
		}
		ch.Sources = sources
	}

	ch.UpdatedAt = time.Now().UTC()
	err = c.store.UpdateChat(ctx, ch)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Chat{}, apperr.NotFound("chat %q not found", id)
	}
	if err != nil {
		return storage.Chat{}, fmt.Errorf("updating chat: %w", err)
	}
	c.logger.Info("chat edited", "chat_id", id)
	return ch, nil
}

// checkSources verifies every name exists in the category and returns the
// deduplicated list in the order given.
func (c *Chats) checkSources(ctx context.Context, categoryName string, names []string) ([]string, error) {
	if categoryName == "" {
		if len(names) == 0 {
			return []string{}, nil
		}
		return nil, apperr.Validation("chat has no category to select sources from")
	}
	existing, err := c.store.ListSources(ctx, categoryName)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.FileName] = true
	}

	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !known[n] {
			return nil, apperr.NotFound("source %q not found in category %q", n, categoryName)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

func (c *Chats) Remove(ctx context.Context, id string) error {
	unlock := c.Lock(id)
	defer unlock()

	err := c.store.DeleteChat(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("chat %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("removing chat: %w", err)
	}
	c.logger.Info("chat removed", "chat_id", id)
	return nil
}

// AppendExchange commits a user question and the assistant answer as two
// consecutive history entries. The caller is expected to hold Lock(chatID).
func (c *Chats) AppendExchange(ctx context.Context, chatID, user, assistant string) error {
	now := time.Now().UTC()
	err := c.store.AppendMessages(ctx, chatID, []storage.Message{
		{Role: storage.RoleUser, Content: user, CreatedAt: now},
		{Role: storage.RoleAssistant, Content: assistant, CreatedAt: now},
	})
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("chat %q not found", chatID)
	}
	if err != nil {
		return fmt.Errorf("appending exchange: %w", err)
	}
	return nil
}
