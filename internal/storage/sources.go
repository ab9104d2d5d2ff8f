package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// CreateSource inserts a source and all of its chunks in one transaction.
// The category is addressed by ID; the (category, file name) pair must be new.
func (s *Store) CreateSource(ctx context.Context, src Source, chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("source %q has no chunks", src.FileName)
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sources (id, category_id, file_name, origin, content_type, raw, text_content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			src.ID, src.CategoryID, src.FileName, src.Origin, src.ContentType, src.Raw, src.Text, formatTime(src.CreatedAt),
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("inserting source: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO source_chunks (source_id, ordinal, byte_offset, text_chunk, embedding)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			var blob []byte
			if len(c.Embedding) > 0 {
				blob = encodeFloat32s(c.Embedding)
			}
			if _, err := stmt.ExecContext(ctx, src.ID, c.Ordinal, c.Offset, c.Text, blob); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.Ordinal, err)
			}
		}
		return nil
	})
}

// GetSource returns a source including its raw bytes and extracted text.
func (s *Store) GetSource(ctx context.Context, categoryName, fileName string) (Source, error) {
	var src Source
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.category_id, c.name, s.file_name, s.origin, s.content_type, s.raw, s.text_content, s.created_at,
			(SELECT COUNT(*) FROM source_chunks sc WHERE sc.source_id = s.id)
		FROM sources s JOIN categories c ON c.id = s.category_id
		WHERE c.name = ? AND s.file_name = ?`, categoryName, fileName,
	).Scan(&src.ID, &src.CategoryID, &src.CategoryName, &src.FileName, &src.Origin, &src.ContentType,
		&src.Raw, &src.Text, &createdAt, &src.ChunkCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	if err != nil {
		return Source{}, err
	}
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return Source{}, err
	}
	return src, nil
}

// ListSources returns source metadata (no raw bytes or text) for a category,
// ordered by file name.
func (s *Store) ListSources(ctx context.Context, categoryName string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.category_id, c.name, s.file_name, s.origin, s.content_type, s.created_at,
			(SELECT COUNT(*) FROM source_chunks sc WHERE sc.source_id = s.id)
		FROM sources s JOIN categories c ON c.id = s.category_id
		WHERE c.name = ? ORDER BY s.file_name ASC`, categoryName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var createdAt string
		if err := rows.Scan(&src.ID, &src.CategoryID, &src.CategoryName, &src.FileName, &src.Origin,
			&src.ContentType, &createdAt, &src.ChunkCount); err != nil {
			return nil, err
		}
		if src.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteSource removes a source with its chunks and pending embedding jobs,
// and drops its name from the scopes of chats bound to the category.
func (s *Store) DeleteSource(ctx context.Context, categoryName, fileName string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var id, categoryID string
		err := tx.QueryRowContext(ctx, `
			SELECT s.id, s.category_id FROM sources s JOIN categories c ON c.id = s.category_id
			WHERE c.name = ? AND s.file_name = ?`, categoryName, fileName).Scan(&id, &categoryID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE type = ? AND status IN ('pending', 'running')
			AND json_extract(payload_json, '$.source_id') = ?`, JobEmbedSource, id); err != nil {
			return fmt.Errorf("deleting embedding jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM source_chunks WHERE source_id = ?`, id); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting source: %w", err)
		}
		return dropFromScopes(ctx, tx, categoryID, fileName)
	})
}

// ListChunks returns the chunks of a category's sources ordered by
// (file name, ordinal). A nil sourceNames selects every source; a non-nil
// empty slice selects none.
func (s *Store) ListChunks(ctx context.Context, categoryName string, sourceNames []string) ([]Chunk, error) {
	if sourceNames != nil && len(sourceNames) == 0 {
		return nil, nil
	}

	query := `
		SELECT sc.source_id, s.file_name, sc.ordinal, sc.byte_offset, sc.text_chunk, sc.embedding
		FROM source_chunks sc
		JOIN sources s ON s.id = sc.source_id
		JOIN categories c ON c.id = s.category_id
		WHERE c.name = ?`
	args := []any{categoryName}
	if sourceNames != nil {
		query += ` AND s.file_name IN (?` + strings.Repeat(",?", len(sourceNames)-1) + `)`
		for _, n := range sourceNames {
			args = append(args, n)
		}
	}
	query += ` ORDER BY s.file_name ASC, sc.ordinal ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSourceChunks returns a single source's chunks by source ID.
func (s *Store) ListSourceChunks(ctx context.Context, sourceID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.source_id, s.file_name, sc.ordinal, sc.byte_offset, sc.text_chunk, sc.embedding
		FROM source_chunks sc JOIN sources s ON s.id = sc.source_id
		WHERE sc.source_id = ? ORDER BY sc.ordinal ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func scanChunk(rows *sql.Rows) (Chunk, error) {
	var c Chunk
	var blob []byte
	if err := rows.Scan(&c.SourceID, &c.SourceName, &c.Ordinal, &c.Offset, &c.Text, &blob); err != nil {
		return Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	if len(blob) > 0 {
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return Chunk{}, fmt.Errorf("decoding embedding for %s#%d: %w", c.SourceID, c.Ordinal, err)
		}
		c.Embedding = vec
	}
	return c, nil
}

// SetChunkEmbeddings stores one embedding per chunk, indexed by ordinal.
func (s *Store) SetChunkEmbeddings(ctx context.Context, sourceID string, embeddings [][]float32) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE source_chunks SET embedding = ? WHERE source_id = ? AND ordinal = ?`)
		if err != nil {
			return fmt.Errorf("preparing embedding update: %w", err)
		}
		defer stmt.Close()

		for ordinal, vec := range embeddings {
			res, err := stmt.ExecContext(ctx, encodeFloat32s(vec), sourceID, ordinal)
			if err != nil {
				return fmt.Errorf("updating chunk %d: %w", ordinal, err)
			}
			if err := rowsAffected(res); err != nil {
				return err
			}
		}
		return nil
	})
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
