// Package kb holds the management registries: categories, prompt templates
// and chat sessions. Each maps storage sentinels to typed application errors
// and serializes read-modify-write operations per entity key.
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

// CategoryStore is the persistence the category registry needs.
type CategoryStore interface {
	CreateCategory(ctx context.Context, c storage.Category) error
	GetCategory(ctx context.Context, name string) (storage.Category, error)
	ListCategories(ctx context.Context) ([]storage.Category, error)
	UpdateCategory(ctx context.Context, oldName string, c storage.Category) error
	DeleteCategory(ctx context.Context, name string) (storage.CascadeResult, error)
	GetPrompt(ctx context.Context, title string) (storage.Prompt, error)
}

// EditCategory is a partial update; nil fields are left unchanged. An empty
// DefaultPrompt clears the binding.
type EditCategory struct {
	NewName       *string
	Description   *string
	DefaultPrompt *string
}

type Categories struct {
	store  CategoryStore
	locks  *keylock.Map
	logger *slog.Logger
}

func NewCategories(store CategoryStore) *Categories {
	return &Categories{store: store, locks: keylock.New(), logger: slog.Default()}
}

func (c *Categories) Create(ctx context.Context, name, description string) (storage.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Category{}, apperr.Validation("category name is required")
	}
	unlock := c.locks.Lock(name)
	defer unlock()

	cat := storage.Category{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	err := c.store.CreateCategory(ctx, cat)
	if errors.Is(err, storage.ErrConflict) {
		return storage.Category{}, apperr.Conflict("category %q already exists", name)
	}
	if err != nil {
		return storage.Category{}, fmt.Errorf("creating category: %w", err)
	}
	c.logger.Info("category created", "name", name)
	return cat, nil
}

func (c *Categories) Get(ctx context.Context, name string) (storage.Category, error) {
	cat, err := c.store.GetCategory(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Category{}, apperr.NotFound("category %q not found", name)
	}
	if err != nil {
		return storage.Category{}, fmt.Errorf("loading category: %w", err)
	}
	return cat, nil
}

// List returns a snapshot of all categories ordered by name.
func (c *Categories) List(ctx context.Context) ([]storage.Category, error) {
	cats, err := c.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return cats, nil
}

func (c *Categories) Edit(ctx context.Context, oldName string, e EditCategory) (storage.Category, error) {
	newName := oldName
	if e.NewName != nil {
		newName = strings.TrimSpace(*e.NewName)
		if newName == "" {
			return storage.Category{}, apperr.Validation("category name cannot be empty")
		}
	}

	// Lock both names in a fixed order so crossing renames cannot deadlock.
	first, second := oldName, newName
	if second < first {
		first, second = second, first
	}
	unlock := c.locks.Lock(first)
	defer unlock()
	if second != first {
		unlock2 := c.locks.Lock(second)
		defer unlock2()
	}

	cat, err := c.Get(ctx, oldName)
	if err != nil {
		return storage.Category{}, err
	}
	cat.Name = newName
	if e.Description != nil {
		cat.Description = *e.Description
	}
	if e.DefaultPrompt != nil {
		if *e.DefaultPrompt != "" {
			if _, err := c.store.GetPrompt(ctx, *e.DefaultPrompt); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return storage.Category{}, apperr.NotFound("prompt %q not found", *e.DefaultPrompt)
				}
				return storage.Category{}, fmt.Errorf("loading prompt: %w", err)
			}
		}
		cat.DefaultPrompt = *e.DefaultPrompt
	}

	err = c.store.UpdateCategory(ctx, oldName, cat)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return storage.Category{}, apperr.Conflict("category %q already exists", newName)
	case errors.Is(err, storage.ErrNotFound):
		return storage.Category{}, apperr.NotFound("category %q not found", oldName)
	case err != nil:
		return storage.Category{}, fmt.Errorf("updating category: %w", err)
	}
	c.logger.Info("category edited", "name", oldName, "new_name", newName)
	return cat, nil
}

// Remove deletes a category with all of its sources and every chat bound to
// it, atomically.
func (c *Categories) Remove(ctx context.Context, name string) (storage.CascadeResult, error) {
	unlock := c.locks.Lock(name)
	defer unlock()

	res, err := c.store.DeleteCategory(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CascadeResult{}, apperr.NotFound("category %q not found", name)
	}
	if err != nil {
		return storage.CascadeResult{}, fmt.Errorf("removing category: %w", err)
	}
	c.logger.Info("category removed", "name", name, "sources", res.Sources, "chats", res.Chats)
	return res, nil
}
