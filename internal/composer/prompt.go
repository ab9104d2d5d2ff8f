package composer

import (
	"strings"

	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

const (
	defaultMaxContextTokens = 4000
	defaultMaxHistoryTokens = 2000
)

// Composer assembles the message list sent to a model from an instruction,
// retrieved context chunks, bounded chat history and the user question.
type Composer struct {
	MaxContextTokens int
	MaxHistoryTokens int
}

// New creates a Composer with the given token budgets for injected context
// and replayed history. Non-positive values select the defaults.
func New(maxContextTokens, maxHistoryTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if maxHistoryTokens <= 0 {
		maxHistoryTokens = defaultMaxHistoryTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, MaxHistoryTokens: maxHistoryTokens}
}

// Input is everything one model call is built from. Chunks are expected in
// rank order.
type Input struct {
	Instruction string
	Chunks      []retrieval.ScoredChunk
	History     []storage.Message
	Question    string
}

// Result is the composed conversation plus what made it in.
type Result struct {
	Messages       []engine.Message
	Chunks         []retrieval.ScoredChunk
	HistoryDropped int
}

// Compose builds the model conversation: an optional system message carrying
// the instruction and context blocks, the most recent history that fits the
// budget, then the question.
func (c *Composer) Compose(in Input) Result {
	var res Result

	system, used := c.buildSystem(in.Instruction, in.Chunks)
	res.Chunks = used
	if system != "" {
		res.Messages = append(res.Messages, engine.Message{Role: "system", Content: system})
	}

	history, dropped := c.boundHistory(in.History)
	res.HistoryDropped = dropped
	for _, m := range history {
		res.Messages = append(res.Messages, engine.Message{Role: m.Role, Content: m.Content})
	}

	res.Messages = append(res.Messages, engine.Message{Role: storage.RoleUser, Content: in.Question})
	return res
}

// buildSystem renders the instruction followed by as many context blocks as
// the budget allows. Blocks that do not fit are skipped, later smaller ones
// may still be taken.
func (c *Composer) buildSystem(instruction string, chunks []retrieval.ScoredChunk) (string, []retrieval.ScoredChunk) {
	var sb strings.Builder
	instruction = strings.TrimSpace(instruction)
	sb.WriteString(instruction)

	if len(chunks) == 0 {
		return sb.String(), nil
	}

	header := "[Context]\n"
	if instruction != "" {
		header = "\n\n" + header
	}
	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(header)

	var entries []string
	var used []retrieval.ScoredChunk
	for _, ch := range chunks {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		used = append(used, ch)
		remaining -= tokens
	}

	if len(entries) > 0 {
		sb.WriteString(header)
		sb.WriteString(strings.TrimRight(strings.Join(entries, ""), "\n"))
	}
	return sb.String(), used
}

func formatChunk(ch retrieval.ScoredChunk) string {
	return "[source: " + ch.SourceName + "]\n" + ch.Text + "\n\n"
}

// boundHistory keeps the newest exchanges whose combined size fits
// MaxHistoryTokens. An exchange is a user message with the replies that
// follow it, so a question is never replayed without its answer.
func (c *Composer) boundHistory(history []storage.Message) ([]storage.Message, int) {
	var groups [][]storage.Message
	for _, m := range history {
		if m.Role == storage.RoleUser || len(groups) == 0 {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], m)
	}

	budget := c.MaxHistoryTokens
	start := len(groups)
	for start > 0 {
		size := 0
		for _, m := range groups[start-1] {
			size += EstimateTokens(m.Content)
		}
		if size > budget {
			break
		}
		budget -= size
		start--
	}

	var kept []storage.Message
	dropped := 0
	for i, g := range groups {
		if i < start {
			dropped += len(g)
			continue
		}
		kept = append(kept, g...)
	}
	return kept, dropped
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
