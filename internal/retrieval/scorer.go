package retrieval

import (
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/kalambet/kbchat/internal/storage"
)

// Scoring modes.
const (
	ModeLexical = "lexical"
	ModeVector  = "vector"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same",
		"too", "very", "can", "will", "just", "don", "should", "now", "do", "does", "did", "what", "who",
		"which", "how", "why", "when", "where",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// lexicalScores returns the TF-IDF cosine similarity between query and each
// chunk, with IDF computed over chunks. Scores are in [0, 1].
func lexicalScores(query string, chunks []storage.Chunk) []float64 {
	scores := make([]float64, len(chunks))
	qTokens := tokenize(query)
	if len(qTokens) == 0 || len(chunks) == 0 {
		return scores
	}

	docs := make([][]string, len(chunks))
	df := make(map[string]int)
	for i, c := range chunks {
		docs[i] = tokenize(c.Text)
		seen := make(map[string]struct{})
		for _, t := range docs[i] {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}

	n := float64(len(chunks))
	idf := func(term string) float64 {
		// Smoothed IDF, always positive.
		return math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}

	qVec := tfidfVector(qTokens, idf)
	for i, doc := range docs {
		scores[i] = clamp01(dot(qVec, tfidfVector(doc, idf)))
	}
	return scores
}

type termWeight struct {
	term   string
	weight float64
}

// tfidfVector returns an L2-normalised sparse TF-IDF vector sorted by term.
// Sums run in term order so equal token multisets give bit-identical
// vectors.
func tfidfVector(tokens []string, idf func(string) float64) []termWeight {
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, t := range tokens {
		counts[t]++
	}
	vec := make([]termWeight, 0, len(counts))
	for t, c := range counts {
		vec = append(vec, termWeight{term: t, weight: float64(c)})
	}
	slices.SortFunc(vec, func(a, b termWeight) int { return strings.Compare(a.term, b.term) })

	var norm float64
	total := float64(len(tokens))
	for i := range vec {
		vec[i].weight = vec[i].weight / total * idf(vec[i].term)
		norm += vec[i].weight * vec[i].weight
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i].weight /= norm
	}
	return vec
}

// dot merges two term-sorted vectors.
func dot(a, b []termWeight) float64 {
	var sum float64
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch c := strings.Compare(a[i].term, b[j].term); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			sum += a[i].weight * b[j].weight
			i++
			j++
		}
	}
	return sum
}

// vectorScores returns cosine similarity between the query embedding and
// each chunk embedding, clamped to [0, 1]. Chunks without an embedding (or
// with a mismatched dimension) take their lexical score instead.
func vectorScores(query string, qVec []float32, chunks []storage.Chunk) []float64 {
	scores := make([]float64, len(chunks))
	var lexical []float64
	qNorm := norm(qVec)
	for i, c := range chunks {
		if qNorm == 0 || len(c.Embedding) != len(qVec) {
			if lexical == nil {
				lexical = lexicalScores(query, chunks)
			}
			scores[i] = lexical[i]
			continue
		}
		scores[i] = clamp01(cosine(qVec, c.Embedding, qNorm))
	}
	return scores
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32, aNorm float64) float64 {
	bNorm := norm(b)
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum / (aNorm * bNorm)
}

func clamp01(x float64) float64 {
	switch {
	case x < 0 || math.IsNaN(x):
		return 0
	case x > 1:
		return 1
	}
	return x
}
