package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/keylock"
	"github.com/kalambet/kbchat/internal/storage"
)

// PromptStore is the persistence the prompt registry needs.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p storage.Prompt) error
	GetPrompt(ctx context.Context, title string) (storage.Prompt, error)
	ListPrompts(ctx context.Context) ([]storage.Prompt, error)
	UpdatePrompt(ctx context.Context, oldTitle string, p storage.Prompt) error
	DeletePrompt(ctx context.Context, title string) error
}

// EditPrompt is a partial update; nil fields are left unchanged.
type EditPrompt struct {
	Title    *string
	Content  *string
	Category *string
}

type Prompts struct {
	store  PromptStore
	locks  *keylock.Map
	logger *slog.Logger
}

func NewPrompts(store PromptStore) *Prompts {
	return &Prompts{store: store, locks: keylock.New(), logger: slog.Default()}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("prompt content is required")
	}
	if _, err := parseTemplate(content); err != nil {
		return apperr.Validation("prompt content is not a valid template: %v", err)
	}
	return nil
}

func (p *Prompts) Create(ctx context.Context, title, content, category string) (storage.Prompt, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return storage.Prompt{}, apperr.Validation("prompt title is required")
	}
	if err := validateContent(content); err != nil {
		return storage.Prompt{}, err
	}
	unlock := p.locks.Lock(title)
	defer unlock()

	now := time.Now().UTC()
	prompt := storage.Prompt{Title: title, Content: content, Category: category, Version: 1, CreatedAt: now, UpdatedAt: now}
	err := p.store.CreatePrompt(ctx, prompt)
	if errors.Is(err, storage.ErrConflict) {
		return storage.Prompt{}, apperr.Conflict("prompt %q already exists", title)
	}
	if err != nil {
		return storage.Prompt{}, fmt.Errorf("creating prompt: %w", err)
	}
	p.logger.Info("prompt created", "title", title)
	return prompt, nil
}

// Resolve returns the prompt with the given title.
func (p *Prompts) Resolve(ctx context.Context, title string) (storage.Prompt, error) {
	prompt, err := p.store.GetPrompt(ctx, title)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Prompt{}, apperr.NotFound("prompt %q not found", title)
	}
	if err != nil {
		return storage.Prompt{}, fmt.Errorf("loading prompt: %w", err)
	}
	return prompt, nil
}

func (p *Prompts) List(ctx context.Context) ([]storage.Prompt, error) {
	prompts, err := p.store.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	return prompts, nil
}

func (p *Prompts) Edit(ctx context.Context, oldTitle string, e EditPrompt) (storage.Prompt, error) {
	newTitle := oldTitle
	if e.Title != nil {
		newTitle = strings.TrimSpace(*e.Title)
		if newTitle == "" {
			return storage.Prompt{}, apperr.Validation("prompt title cannot be empty")
		}
	}
	if e.Content != nil {
		if err := validateContent(*e.Content); err != nil {
			return storage.Prompt{}, err
		}
	}

	first, second := oldTitle, newTitle
	if second < first {
		first, second = second, first
	}
	unlock := p.locks.Lock(first)
	defer unlock()
	if second != first {
		unlock2 := p.locks.Lock(second)
		defer unlock2()
	}

	prompt, err := p.Resolve(ctx, oldTitle)
	if err != nil {
		return storage.Prompt{}, err
	}
	prompt.Title = newTitle
	if e.Content != nil {
		prompt.Content = *e.Content
	}
	if e.Category != nil {
		prompt.Category = *e.Category
	}
	prompt.UpdatedAt = time.Now().UTC()

	err = p.store.UpdatePrompt(ctx, oldTitle, prompt)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return storage.Prompt{}, apperr.Conflict("prompt %q already exists", newTitle)
	case errors.Is(err, storage.ErrNotFound):
		return storage.Prompt{}, apperr.NotFound("prompt %q not found", oldTitle)
	case err != nil:
		return storage.Prompt{}, fmt.Errorf("updating prompt: %w", err)
	}
	prompt.Version++
	p.logger.Info("prompt edited", "title", oldTitle, "new_title", newTitle, "version", prompt.Version)
	return prompt, nil
}

// Remove deletes a prompt. Categories using it as their default are unbound.
func (p *Prompts) Remove(ctx context.Context, title string) error {
	unlock := p.locks.Lock(title)
	defer unlock()

	err := p.store.DeletePrompt(ctx, title)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("prompt %q not found", title)
	}
	if err != nil {
		return fmt.Errorf("removing prompt: %w", err)
	}
	p.logger.Info("prompt removed", "title", title)
	return nil
}
