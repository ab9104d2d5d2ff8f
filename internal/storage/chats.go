package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const chatColumns = `ch.id, ch.name, COALESCE(ch.category_id, ''), COALESCE(c.name, ''), ch.model_name, ch.sources,
	ch.created_at, ch.updated_at, (SELECT COUNT(*) FROM chat_messages m WHERE m.chat_id = ch.id)`

const chatFrom = ` FROM chats ch LEFT JOIN categories c ON c.id = ch.category_id`

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var ch Chat
	var sources sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&ch.ID, &ch.Name, &ch.CategoryID, &ch.CategoryName, &ch.ModelName, &sources,
		&createdAt, &updatedAt, &ch.MessageCount); err != nil {
		return Chat{}, err
	}
	if sources.Valid {
		ch.Sources = []string{}
		if err := json.Unmarshal([]byte(sources.String), &ch.Sources); err != nil {
			return Chat{}, fmt.Errorf("decoding sources of chat %s: %w", ch.ID, err)
		}
	}
	var err error
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return Chat{}, err
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Chat{}, err
	}
	return ch, nil
}

func encodeSources(sources []string) (any, error) {
	if sources == nil {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// dropFromScopes removes fileName from the explicit source scope of every
// chat bound to categoryID. A scope left empty stays empty, not "all".
func dropFromScopes(ctx context.Context, tx *sql.Tx, categoryID, fileName string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, sources FROM chats WHERE category_id = ? AND sources IS NOT NULL`, categoryID)
	if err != nil {
		return fmt.Errorf("loading chat scopes: %w", err)
	}
	updates := map[string]string{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var scope []string
		if err := json.Unmarshal([]byte(raw), &scope); err != nil {
			rows.Close()
			return fmt.Errorf("decoding sources of chat %s: %w", id, err)
		}
		kept := slices.DeleteFunc(slices.Clone(scope), func(n string) bool { return n == fileName })
		if len(kept) == len(scope) {
			continue
		}
		enc, err := encodeSources(kept)
		if err != nil {
			rows.Close()
			return err
		}
		updates[id] = enc.(string)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	now := formatTime(time.Now())
	for id, scope := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET sources = ?, updated_at = ? WHERE id = ?`, scope, now, id); err != nil {
			return fmt.Errorf("updating scope of chat %s: %w", id, err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) CreateChat(ctx context.Context, ch Chat) error {
	sources, err := encodeSources(ch.Sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (id, name, category_id, model_name, sources, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, nullable(ch.CategoryID), ch.ModelName, sources, formatTime(ch.CreatedAt), formatTime(ch.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

// GetChat returns a chat with its full message history in order.
func (s *Store) GetChat(ctx context.Context, id string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+chatFrom+` WHERE ch.id = ?`, id)
	ch, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at FROM chat_messages WHERE chat_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Chat{}, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return Chat{}, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return Chat{}, err
		}
		ch.Messages = append(ch.Messages, m)
	}
	return ch, rows.Err()
}

// ListChats returns chat summaries (no messages), newest first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+chatFrom+` ORDER BY ch.created_at DESC, ch.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		ch, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpdateChat overwrites the mutable fields of a chat.
func (s *Store) UpdateChat(ctx context.Context, ch Chat) error {
	sources, err := encodeSources(ch.Sources)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET name = ?, category_id = ?, model_name = ?, sources = ?, updated_at = ? WHERE id = ?`,
		ch.Name, nullable(ch.CategoryID), ch.ModelName, sources, formatTime(ch.UpdatedAt), ch.ID,
	)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return rowsAffected(res)
	})
}

// AppendMessages adds msgs to the end of a chat's history in one
// transaction and bumps the chat's updated_at. Seq values are assigned here.
func (s *Store) AppendMessages(ctx context.Context, chatID string, msgs []Message) error {
	return s.inTx(func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(m.seq), 0) + 1 FROM chats ch LEFT JOIN chat_messages m ON m.chat_id = ch.id
			WHERE ch.id = ? GROUP BY ch.id`, chatID).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, m := range msgs {
			created := m.CreatedAt
			if created.IsZero() {
				created = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_messages (chat_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
				chatID, next+i, m.Role, m.Content, formatTime(created)); err != nil {
				return fmt.Errorf("inserting message: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, formatTime(now), chatID)
		return err
	})
}
