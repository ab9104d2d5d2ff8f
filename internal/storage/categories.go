package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const categoryColumns = `c.id, c.name, c.description, c.default_prompt, c.created_at,
	(SELECT COUNT(*) FROM sources s WHERE s.category_id = c.id)`

func scanCategory(row interface{ Scan(...any) error }) (Category, error) {
	var c Category
	var createdAt string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.DefaultPrompt, &createdAt, &c.SourceCount); err != nil {
		return Category{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Category{}, err
	}
	c.CreatedAt = t
	return c, nil
}

func (s *Store) CreateCategory(ctx context.Context, c Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, default_prompt, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.DefaultPrompt, formatTime(c.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetCategory(ctx context.Context, name string) (Category, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories c WHERE c.name = ?`, name)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories c ORDER BY c.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCategory overwrites name, description and default prompt of the
// category currently called oldName.
func (s *Store) UpdateCategory(ctx context.Context, oldName string, c Category) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE categories SET name = ?, description = ?, default_prompt = ? WHERE name = ?`,
		c.Name, c.Description, c.DefaultPrompt, oldName,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

// DeleteCategory removes a category together with its sources, their chunks
// and pending embedding jobs, and every chat bound to it. Everything happens
// in one transaction so readers never see a half-removed category.
func (s *Store) DeleteCategory(ctx context.Context, name string) (CascadeResult, error) {
	var result CascadeResult
	err := s.inTx(func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ?`, name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE type = ? AND status IN ('pending', 'running')
			AND json_extract(payload_json, '$.source_id') IN (SELECT id FROM sources WHERE category_id = ?)`,
			JobEmbedSource, id); err != nil {
			return fmt.Errorf("deleting embedding jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chat_messages WHERE chat_id IN (SELECT id FROM chats WHERE category_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting chat history: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE category_id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting chats: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Chats = int(n)

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM source_chunks WHERE source_id IN (SELECT id FROM sources WHERE category_id = ?)`, id); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM sources WHERE category_id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting sources: %w", err)
		}
		n, _ = res.RowsAffected()
		result.Sources = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting category: %w", err)
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}
