package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/storage"
)

// SourceStore is the persistence the Ingester needs.
type SourceStore interface {
	GetCategory(ctx context.Context, name string) (storage.Category, error)
	GetSource(ctx context.Context, categoryName, fileName string) (storage.Source, error)
	ListSources(ctx context.Context, categoryName string) ([]storage.Source, error)
	CreateSource(ctx context.Context, src storage.Source, chunks []storage.Chunk) error
	DeleteSource(ctx context.Context, categoryName, fileName string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Upload is a file supplied directly by the caller.
type Upload struct {
	FileName    string
	Content     []byte
	ContentType string
}

// Link is a remote document fetched at ingestion time. FileName defaults to
// the URL itself.
type Link struct {
	URL      string
	FileName string
}

// Ingester turns uploads and links into stored, chunked sources.
type Ingester struct {
	store   SourceStore
	fetcher *Fetcher
	chunks  ChunkOptions
	embed   bool
	logger  *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithChunkOptions overrides the default chunking limits.
func WithChunkOptions(o ChunkOptions) Option {
	return func(in *Ingester) { in.chunks = o }
}

// WithEmbedding makes the Ingester enqueue an embedding job for every new
// source.
func WithEmbedding() Option {
	return func(in *Ingester) { in.embed = true }
}

// WithLogger sets the logger used for non-fatal ingestion problems.
func WithLogger(l *slog.Logger) Option {
	return func(in *Ingester) { in.logger = l }
}

func NewIngester(store SourceStore, fetcher *Fetcher, opts ...Option) *Ingester {
	if fetcher == nil {
		fetcher = NewFetcher(nil, 0, 0)
	}
	in := &Ingester{
		store:   store,
		fetcher: fetcher,
		chunks:  ChunkOptions{MaxRunes: DefaultMaxChunkRunes},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// IngestUpload stores an uploaded file as a source of the named category.
func (in *Ingester) IngestUpload(ctx context.Context, categoryName string, u Upload) (storage.Source, error) {
	if u.FileName == "" {
		return storage.Source{}, apperr.Validation("file name is required")
	}
	if len(u.Content) == 0 {
		return storage.Source{}, apperr.Validation("file %q is empty", u.FileName)
	}
	cat, err := in.precheck(ctx, categoryName, u.FileName)
	if err != nil {
		return storage.Source{}, err
	}
	return in.commit(ctx, cat, u.FileName, storage.OriginUpload, u.ContentType, u.Content)
}

// IngestLink fetches a URL and stores the response as a source of the named
// category.
func (in *Ingester) IngestLink(ctx context.Context, categoryName string, l Link) (storage.Source, error) {
	if l.URL == "" {
		return storage.Source{}, apperr.Validation("link is required")
	}
	name := l.FileName
	if name == "" {
		name = l.URL
	}
	cat, err := in.precheck(ctx, categoryName, name)
	if err != nil {
		return storage.Source{}, err
	}
	fetched, err := in.fetcher.Fetch(ctx, l.URL)
	if err != nil {
		return storage.Source{}, err
	}
	return in.commit(ctx, cat, name, storage.OriginLink, fetched.ContentType, fetched.Body)
}

// precheck resolves the category and rejects a duplicate file name before
// any expensive work. The insert transaction checks uniqueness again.
func (in *Ingester) precheck(ctx context.Context, categoryName, fileName string) (storage.Category, error) {
	cat, err := in.store.GetCategory(ctx, categoryName)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Category{}, apperr.NotFound("category %q not found", categoryName)
	}
	if err != nil {
		return storage.Category{}, fmt.Errorf("loading category: %w", err)
	}
	_, err = in.store.GetSource(ctx, categoryName, fileName)
	if err == nil {
		return storage.Category{}, apperr.Conflict("source %q already exists in category %q", fileName, categoryName)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Category{}, fmt.Errorf("checking source: %w", err)
	}
	return cat, nil
}

func (in *Ingester) commit(ctx context.Context, cat storage.Category, fileName, origin, contentType string, raw []byte) (storage.Source, error) {
	kind := DetectKind(contentType, fileName, raw)
	text, err := Extract(kind, raw)
	if err != nil {
		return storage.Source{}, apperr.Validation("cannot read %q: %v", fileName, err)
	}
	pieces := Chunk(text, in.chunks)
	if len(pieces) == 0 {
		return storage.Source{}, apperr.Validation("no text could be extracted from %q", fileName)
	}

	src := storage.Source{
		ID:           uuid.New().String(),
		CategoryID:   cat.ID,
		CategoryName: cat.Name,
		FileName:     fileName,
		Origin:       origin,
		ContentType:  contentType,
		Raw:          raw,
		Text:         text,
		CreatedAt:    time.Now().UTC(),
		ChunkCount:   len(pieces),
	}
	chunks := make([]storage.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = storage.Chunk{SourceID: src.ID, SourceName: fileName, Ordinal: i, Offset: p.Offset, Text: p.Text}
	}

	err = in.store.CreateSource(ctx, src, chunks)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return storage.Source{}, apperr.Conflict("source %q already exists in category %q", fileName, cat.Name)
	case errors.Is(err, storage.ErrNotFound):
		return storage.Source{}, apperr.NotFound("category %q not found", cat.Name)
	case err != nil:
		return storage.Source{}, fmt.Errorf("saving source: %w", err)
	}

	in.logger.Info("source ingested", "category", cat.Name, "file", fileName, "kind", kind, "chunks", len(chunks))

	if in.embed {
		payload, _ := json.Marshal(embedPayload{SourceID: src.ID})
		job := storage.Job{ID: uuid.New().String(), Type: storage.JobEmbedSource, PayloadJSON: string(payload)}
		if err := in.store.EnqueueJob(ctx, job); err != nil {
			in.logger.Warn("failed to enqueue embedding job", "source_id", src.ID, "error", err)
		}
	}

	src.Raw = nil
	src.Text = ""
	return src, nil
}

// Read returns a stored source including its raw bytes.
func (in *Ingester) Read(ctx context.Context, categoryName, fileName string) (storage.Source, error) {
	src, err := in.store.GetSource(ctx, categoryName, fileName)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Source{}, apperr.NotFound("source %q not found in category %q", fileName, categoryName)
	}
	if err != nil {
		return storage.Source{}, fmt.Errorf("loading source: %w", err)
	}
	return src, nil
}

// List returns the sources of a category.
func (in *Ingester) List(ctx context.Context, categoryName string) ([]storage.Source, error) {
	if _, err := in.store.GetCategory(ctx, categoryName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("category %q not found", categoryName)
		}
		return nil, fmt.Errorf("loading category: %w", err)
	}
	srcs, err := in.store.ListSources(ctx, categoryName)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return srcs, nil
}

// Remove deletes a source and its chunks.
func (in *Ingester) Remove(ctx context.Context, categoryName, fileName string) error {
	err := in.store.DeleteSource(ctx, categoryName, fileName)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("source %q not found in category %q", fileName, categoryName)
	}
	if err != nil {
		return fmt.Errorf("removing source: %w", err)
	}
	in.logger.Info("source removed", "category", categoryName, "file", fileName)
	return nil
}
