package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("already exists")
)

// Source origins.
const (
	OriginUpload = "uploaded-file"
	OriginLink   = "link"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Category struct {
	ID            string
	Name          string
	Description   string
	DefaultPrompt string
	CreatedAt     time.Time
	SourceCount   int
}

type Source struct {
	ID           string
	CategoryID   string
	CategoryName string
	FileName     string
	Origin       string
	ContentType  string
	Raw          []byte
	Text         string
	CreatedAt    time.Time
	ChunkCount   int
}

// Chunk is one retrievable unit of a Source. Offset is the byte offset of
// Text within the source's extracted text.
type Chunk struct {
	SourceID   string
	SourceName string
	Ordinal    int
	Offset     int
	Text       string
	Embedding  []float32
}

// Prompt is a reusable template. Version starts at 1 and grows by one on
// every edit.
type Prompt struct {
	Title     string
	Content   string
	Category  string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chat is a session bound to a model and optionally a category. A nil
// Sources slice means every source of the bound category is in scope.
type Chat struct {
	ID           string
	Name         string
	CategoryID   string
	CategoryName string
	ModelName    string
	Sources      []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	Messages     []Message
}

type Message struct {
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// JobEmbedSource computes embeddings for every chunk of one source.
// Payload: {"source_id": "..."}.
const JobEmbedSource = "embed_source"

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// CascadeResult reports what a category removal deleted.
type CascadeResult struct {
	Sources int
	Chats   int
}
