package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func scanPrompt(row interface{ Scan(...any) error }) (Prompt, error) {
	var p Prompt
	var createdAt, updatedAt string
	if err := row.Scan(&p.Title, &p.Content, &p.Category, &p.Version, &createdAt, &updatedAt); err != nil {
		return Prompt{}, err
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Prompt{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

func (s *Store) CreatePrompt(ctx context.Context, p Prompt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (title, content, category, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		p.Title, p.Content, p.Category, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetPrompt(ctx context.Context, title string) (Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT title, content, category, version, created_at, updated_at FROM prompts WHERE title = ?`, title)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Prompt{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title, content, category, version, created_at, updated_at FROM prompts ORDER BY title ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePrompt replaces the prompt titled oldTitle and bumps its version.
// A retitle is carried over to every category that uses the prompt as its
// default.
func (s *Store) UpdatePrompt(ctx context.Context, oldTitle string, p Prompt) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE prompts SET title = ?, content = ?, category = ?, version = version + 1, updated_at = ?
			WHERE title = ?`,
			p.Title, p.Content, p.Category, formatTime(p.UpdatedAt), oldTitle,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if err := rowsAffected(res); err != nil {
			return err
		}
		if p.Title != oldTitle {
			if _, err := tx.ExecContext(ctx, `UPDATE categories SET default_prompt = ? WHERE default_prompt = ?`, p.Title, oldTitle); err != nil {
				return fmt.Errorf("rebinding categories: %w", err)
			}
		}
		return nil
	})
}

// DeletePrompt removes a prompt and unbinds it from any category.
func (s *Store) DeletePrompt(ctx context.Context, title string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE title = ?`, title)
		if err != nil {
			return err
		}
		if err := rowsAffected(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE categories SET default_prompt = '' WHERE default_prompt = ?`, title); err != nil {
			return fmt.Errorf("unbinding categories: %w", err)
		}
		return nil
	})
}
