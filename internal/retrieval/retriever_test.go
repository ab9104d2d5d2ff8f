package retrieval

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/kalambet/kbchat/internal/storage"
)

type stubChunks struct {
	chunks    []storage.Chunk
	lastScope []string
}

func (s *stubChunks) ListChunks(_ context.Context, _ string, scope []string) ([]storage.Chunk, error) {
	s.lastScope = scope
	if scope != nil && len(scope) == 0 {
		return nil, nil
	}
	if scope == nil {
		return s.chunks, nil
	}
	allowed := make(map[string]bool, len(scope))
	for _, n := range scope {
		allowed[n] = true
	}
	var out []storage.Chunk
	for _, c := range s.chunks {
		if allowed[c.SourceName] {
			out = append(out, c)
		}
	}
	return out, nil
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, s.err }

func chunk(source string, offset int, text string) storage.Chunk {
	return storage.Chunk{SourceID: "id-" + source, SourceName: source, Offset: offset, Text: text}
}

func texts(got []ScoredChunk) []string {
	out := make([]string, len(got))
	for i, c := range got {
		out[i] = c.Text
	}
	return out
}

func TestRetrieveRelevant_LexicalRanking(t *testing.T) {
	store := &stubChunks{chunks: []storage.Chunk{
		chunk("brief.txt", 0, "Our Q3 campaign targets students."),
		chunk("notes.txt", 0, "The office closes at six."),
		chunk("plan.txt", 0, "The campaign budget doubles next year."),
	}}
	r := NewRetriever(store, nil, ModeLexical)

	got, err := r.RetrieveRelevant(context.Background(), "Marketing", "Who does the Q3 campaign target? Students?", nil, 5)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2 (zero scores dropped): %v", len(got), texts(got))
	}
	if got[0].SourceName != "brief.txt" {
		t.Errorf("top chunk from %q, want brief.txt", got[0].SourceName)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
	for _, c := range got {
		if c.Score <= 0 || c.Score > 1 {
			t.Errorf("score %v out of (0,1]", c.Score)
		}
	}
}

func TestRetrieveRelevant_TopKAndTieBreak(t *testing.T) {
	store := &stubChunks{chunks: []storage.Chunk{
		chunk("b.txt", 10, "apple"),
		chunk("a.txt", 50, "apple"),
		chunk("a.txt", 5, "apple"),
		chunk("c.txt", 0, "apple"),
	}}
	r := NewRetriever(store, nil, "")

	got, err := r.RetrieveRelevant(context.Background(), "K", "apple", nil, 3)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	var order []string
	for _, c := range got {
		order = append(order, c.SourceName)
	}
	want := []string{"a.txt", "a.txt", "b.txt"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if got[0].Offset != 5 || got[1].Offset != 50 {
		t.Errorf("offsets = %d,%d, want 5,50", got[0].Offset, got[1].Offset)
	}
}

func TestRetrieveRelevant_Deterministic(t *testing.T) {
	store := &stubChunks{chunks: []storage.Chunk{
		chunk("x.txt", 0, "red green blue"),
		chunk("y.txt", 0, "green blue"),
		chunk("z.txt", 0, "blue"),
		chunk("w.txt", 0, "green"),
	}}
	r := NewRetriever(store, nil, ModeLexical)
	first, _ := r.RetrieveRelevant(context.Background(), "K", "green blue", nil, 3)
	for i := 0; i < 10; i++ {
		again, _ := r.RetrieveRelevant(context.Background(), "K", "green blue", nil, 3)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, texts(first), texts(again))
		}
	}
}

func TestRetrieveRelevant_IdenticalChunksTieOnName(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi omicron " +
		"pi rho sigma tau upsilon phi chi psi omega launch march budget students campaign brief"
	store := &stubChunks{chunks: []storage.Chunk{
		chunk("b.txt", 0, text),
		chunk("filler.txt", 0, "office hours end at six"),
		chunk("a.txt", 0, text),
	}}
	r := NewRetriever(store, nil, ModeLexical)
	query := "alpha beta gamma delta epsilon launch march budget omega psi"

	for run := 0; run < 200; run++ {
		got, err := r.RetrieveRelevant(context.Background(), "K", query, nil, 5)
		if err != nil {
			t.Fatalf("RetrieveRelevant: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("run %d: got %d chunks, want 2", run, len(got))
		}
		if got[0].Score != got[1].Score {
			t.Fatalf("run %d: identical chunks scored %v and %v", run, got[0].Score, got[1].Score)
		}
		if got[0].SourceName != "a.txt" || got[1].SourceName != "b.txt" {
			t.Fatalf("run %d: order = %s, %s; want a.txt, b.txt", run, got[0].SourceName, got[1].SourceName)
		}
	}
}

func TestLexicalScores_TermOrderIndependent(t *testing.T) {
	chunks := []storage.Chunk{
		chunk("a.txt", 0, "students campaign budget launch brief"),
		chunk("b.txt", 0, "brief launch budget campaign students"),
	}
	for run := 0; run < 100; run++ {
		scores := lexicalScores("campaign budget for students", chunks)
		if scores[0] != scores[1] || scores[0] == 0 {
			t.Fatalf("run %d: scores = %v, want equal and positive", run, scores)
		}
	}
}

func TestRetrieveRelevant_EmptyScopeAndNoMatch(t *testing.T) {
	store := &stubChunks{chunks: []storage.Chunk{chunk("a.txt", 0, "apple")}}
	r := NewRetriever(store, nil, ModeLexical)

	got, err := r.RetrieveRelevant(context.Background(), "K", "apple", []string{}, 5)
	if err != nil || len(got) != 0 {
		t.Errorf("empty scope = %v, %v; want nothing", got, err)
	}
	got, err = r.RetrieveRelevant(context.Background(), "K", "banana", nil, 5)
	if err != nil || len(got) != 0 {
		t.Errorf("no match = %v, %v; want nothing", got, err)
	}
	got, err = r.RetrieveRelevant(context.Background(), "K", "the of and", nil, 5)
	if err != nil || len(got) != 0 {
		t.Errorf("stopword-only query = %v, %v; want nothing", got, err)
	}
}

func TestRetrieveRelevant_ScopeRestrictsSources(t *testing.T) {
	store := &stubChunks{chunks: []storage.Chunk{
		chunk("a.txt", 0, "apple pie"),
		chunk("b.txt", 0, "apple tart"),
	}}
	r := NewRetriever(store, nil, ModeLexical)
	got, err := r.RetrieveRelevant(context.Background(), "K", "apple", []string{"b.txt"}, 5)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	if len(got) != 1 || got[0].SourceName != "b.txt" {
		t.Errorf("got %v, want only b.txt", texts(got))
	}
}

func TestRetrieveRelevant_DefaultTopK(t *testing.T) {
	var chunks []storage.Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, chunk("a.txt", i*10, "apple"))
	}
	r := NewRetriever(&stubChunks{chunks: chunks}, nil, ModeLexical)
	got, _ := r.RetrieveRelevant(context.Background(), "K", "apple", nil, 0)
	if len(got) != DefaultTopK {
		t.Errorf("got %d chunks, want %d", len(got), DefaultTopK)
	}
}

func TestRetrieveRelevant_VectorMode(t *testing.T) {
	a := chunk("a.txt", 0, "alpha")
	a.Embedding = []float32{1, 0}
	b := chunk("b.txt", 0, "beta")
	b.Embedding = []float32{0.6, 0.8}
	c := chunk("c.txt", 0, "gamma")
	c.Embedding = []float32{-1, 0}
	// Not yet embedded: scored lexically.
	d := chunk("d.txt", 0, "query words here")

	r := NewRetriever(&stubChunks{chunks: []storage.Chunk{a, b, c, d}}, &stubEmbedder{vec: []float32{0, 1}}, ModeVector)
	if r.Mode() != ModeVector {
		t.Fatalf("Mode = %q, want vector", r.Mode())
	}
	got, err := r.RetrieveRelevant(context.Background(), "K", "query words", nil, 5)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	var names []string
	for _, g := range got {
		names = append(names, g.SourceName)
	}
	// a is orthogonal (0) and c opposite (clamped to 0): both dropped.
	if !reflect.DeepEqual(names, []string{"d.txt", "b.txt"}) && !reflect.DeepEqual(names, []string{"b.txt", "d.txt"}) {
		t.Fatalf("names = %v, want b.txt and d.txt only", names)
	}
}

func TestRetrieveRelevant_VectorFallsBackOnEmbedError(t *testing.T) {
	a := chunk("a.txt", 0, "apple")
	a.Embedding = []float32{1, 0}
	r := NewRetriever(&stubChunks{chunks: []storage.Chunk{a}}, &stubEmbedder{err: errors.New("down")}, ModeVector)
	got, err := r.RetrieveRelevant(context.Background(), "K", "apple", nil, 5)
	if err != nil {
		t.Fatalf("RetrieveRelevant: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d chunks, want lexical fallback hit", len(got))
	}
}

func TestNewRetriever_NoEmbedderForcesLexical(t *testing.T) {
	r := NewRetriever(&stubChunks{}, nil, ModeVector)
	if r.Mode() != ModeLexical {
		t.Errorf("Mode = %q, want lexical", r.Mode())
	}
}
