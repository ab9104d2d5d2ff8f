package kb

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/kbchat/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeModels map[string]bool

func (f fakeModels) Has(name string) bool { return f[name] }

func seedSource(t *testing.T, s *storage.Store, categoryName, fileName, text string) {
	t.Helper()
	ctx := context.Background()
	cat, err := s.GetCategory(ctx, categoryName)
	if err != nil {
		t.Fatalf("GetCategory(%s): %v", categoryName, err)
	}
	src := storage.Source{
		ID:          categoryName + "/" + fileName,
		CategoryID:  cat.ID,
		FileName:    fileName,
		Origin:      storage.OriginUpload,
		ContentType: "text/plain",
		Raw:         []byte(text),
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateSource(ctx, src, []storage.Chunk{{Ordinal: 0, Offset: 0, Text: text}}); err != nil {
		t.Fatalf("CreateSource(%s): %v", fileName, err)
	}
}
