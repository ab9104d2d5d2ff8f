package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/kbchat/internal/storage"
)

const defaultPollInterval = 500 * time.Millisecond

// JobStore is the part of the store the embedding worker needs.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueRunning(ctx context.Context) (int, error)
	ListSourceChunks(ctx context.Context, sourceID string) ([]storage.Chunk, error)
	SetChunkEmbeddings(ctx context.Context, sourceID string, embeddings [][]float32) error
}

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Worker fills in chunk embeddings for sources queued by the Ingester.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	poll     time.Duration
	log      *slog.Logger
}

// NewWorker returns a Worker polling every poll, or every 500ms when poll
// is not positive.
func NewWorker(store JobStore, embedder BatchEmbedder, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		poll:     poll,
		log:      slog.Default().With("component", "embed-worker"),
	}
}

// Run drains the queue, then polls, until ctx is done. Jobs a previous
// process left running are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunning(ctx); err != nil {
		w.log.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.log.Info("requeued interrupted jobs", "count", n)
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil {
			worked, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error("processing job", "error", err)
			}
			if !worked {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce handles at most one job and reports whether there was one. A job
// failure is recorded on the job, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobEmbedSource})
	if err != nil || job == nil {
		return false, err
	}

	log := w.log.With("job_id", job.ID, "attempt", job.Attempts+1)
	if err := w.embedSource(ctx, log, job); err != nil {
		log.Warn("embedding failed", "error", err)
		if err := w.store.FailJob(ctx, job.ID, err.Error()); err != nil {
			return true, fmt.Errorf("recording failure of job %s: %w", job.ID, err)
		}
		return true, nil
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	SourceID string `json:"source_id"`
}

// embedSource vectorizes every chunk of the job's source. A source removed
// in the meantime counts as done.
func (w *Worker) embedSource(ctx context.Context, log *slog.Logger, job *storage.Job) error {
	var p embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}

	chunks, err := w.store.ListSourceChunks(ctx, p.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("source gone, nothing to embed", "source_id", p.SourceID)
		return nil
	}
	if err != nil {
		return err
	}

	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks))
	}

	if err := w.store.SetChunkEmbeddings(ctx, p.SourceID, vecs); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("saving embeddings: %w", err)
	}
	log.Debug("source embedded", "source_id", p.SourceID, "chunks", len(vecs))
	return nil
}
