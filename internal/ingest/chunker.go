package ingest

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkRunes bounds chunk size when ChunkOptions leaves it unset.
const DefaultMaxChunkRunes = 800

// ChunkOptions controls how extracted text is split into chunks.
type ChunkOptions struct {
	MaxRunes     int
	OverlapRunes int
}

// Piece is one chunk of a text. Text is always text[Offset:Offset+len(Text)].
type Piece struct {
	Offset int
	Text   string
}

type span struct{ start, end int }

var paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n\s*`)

// Chunk splits text into pieces of at most opts.MaxRunes runes. Text is
// broken at paragraph boundaries first, then sentences, then words, and only
// splits inside a word when the word alone exceeds the limit. Consecutive
// units are packed greedily. The result depends only on text and opts.
func Chunk(text string, opts ChunkOptions) []Piece {
	limit := opts.MaxRunes
	if limit <= 0 {
		limit = DefaultMaxChunkRunes
	}
	overlap := opts.OverlapRunes
	if overlap < 0 || overlap >= limit {
		overlap = 0
	}

	var units []span
	for _, p := range paragraphs(text) {
		units = append(units, split(text, p, limit)...)
	}
	if len(units) == 0 {
		return nil
	}

	var pieces []Piece
	i := 0
	for i < len(units) {
		j := i
		for j+1 < len(units) && utf8.RuneCountInString(text[units[i].start:units[j+1].end]) <= limit {
			j++
		}
		pieces = append(pieces, Piece{Offset: units[i].start, Text: text[units[i].start:units[j].end]})
		if j+1 >= len(units) {
			break
		}

		next := j + 1
		if overlap > 0 {
			for k := j; k > i; k-- {
				if utf8.RuneCountInString(text[units[k].start:units[j].end]) > overlap {
					break
				}
				next = k
			}
			if utf8.RuneCountInString(text[units[next].start:units[j+1].end]) > limit {
				next = j + 1
			}
		}
		i = next
	}
	return pieces
}

// paragraphs returns the trimmed, non-empty blocks of text separated by
// blank lines.
func paragraphs(text string) []span {
	var out []span
	start := 0
	for _, sep := range paragraphBreak.FindAllStringIndex(text, -1) {
		if s, ok := trim(text, span{start, sep[0]}); ok {
			out = append(out, s)
		}
		start = sep[1]
	}
	if s, ok := trim(text, span{start, len(text)}); ok {
		out = append(out, s)
	}
	return out
}

// split breaks s into units no longer than limit runes, descending from
// sentences to words to raw runes as needed.
func split(text string, s span, limit int) []span {
	if utf8.RuneCountInString(text[s.start:s.end]) <= limit {
		return []span{s}
	}
	var out []span
	for _, sent := range sentences(text, s) {
		if utf8.RuneCountInString(text[sent.start:sent.end]) <= limit {
			out = append(out, sent)
			continue
		}
		for _, w := range words(text, sent) {
			if utf8.RuneCountInString(text[w.start:w.end]) <= limit {
				out = append(out, w)
				continue
			}
			out = append(out, runeRuns(text, w, limit)...)
		}
	}
	return out
}

// sentences splits s after '.', '!' or '?' when followed by whitespace.
func sentences(text string, s span) []span {
	var out []span
	start := s.start
	for i := s.start; i < s.end; {
		r, size := utf8.DecodeRuneInString(text[i:s.end])
		i += size
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i < s.end {
			next, _ := utf8.DecodeRuneInString(text[i:s.end])
			if !unicode.IsSpace(next) {
				continue
			}
		}
		if t, ok := trim(text, span{start, i}); ok {
			out = append(out, t)
		}
		start = i
	}
	if t, ok := trim(text, span{start, s.end}); ok {
		out = append(out, t)
	}
	return out
}

func words(text string, s span) []span {
	var out []span
	start := -1
	for i := s.start; i < s.end; {
		r, size := utf8.DecodeRuneInString(text[i:s.end])
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, span{start, i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		i += size
	}
	if start >= 0 {
		out = append(out, span{start, s.end})
	}
	return out
}

func runeRuns(text string, s span, limit int) []span {
	var out []span
	start, n := s.start, 0
	for i := s.start; i < s.end; {
		_, size := utf8.DecodeRuneInString(text[i:s.end])
		if n == limit {
			out = append(out, span{start, i})
			start, n = i, 0
		}
		i += size
		n++
	}
	if start < s.end {
		out = append(out, span{start, s.end})
	}
	return out
}

func trim(text string, s span) (span, bool) {
	for s.start < s.end {
		r, size := utf8.DecodeRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += size
	}
	for s.end > s.start {
		r, size := utf8.DecodeLastRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= size
	}
	return s, s.end > s.start
}
