package api

import (
	"time"

	"github.com/kalambet/kbchat/internal/models"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/storage"
)

type categoryView struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	DefaultPrompt string    `json:"defaultPrompt,omitempty"`
	SourceCount   int       `json:"sourceCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newCategoryView(c storage.Category) categoryView {
	return categoryView{
		Name:          c.Name,
		Description:   c.Description,
		DefaultPrompt: c.DefaultPrompt,
		SourceCount:   c.SourceCount,
		CreatedAt:     c.CreatedAt,
	}
}

type sourceView struct {
	FileName    string    `json:"fileName"`
	Category    string    `json:"categoryName"`
	Origin      string    `json:"origin"`
	ContentType string    `json:"contentType"`
	Chunks      int       `json:"chunks"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newSourceView(s storage.Source) sourceView {
	return sourceView{
		FileName:    s.FileName,
		Category:    s.CategoryName,
		Origin:      s.Origin,
		ContentType: s.ContentType,
		Chunks:      s.ChunkCount,
		CreatedAt:   s.CreatedAt,
	}
}

type promptView struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"categoryName,omitempty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newPromptView(p storage.Prompt) promptView {
	return promptView{
		Title:     p.Title,
		Content:   p.Content,
		Category:  p.Category,
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt,
	}
}

type messageView struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type chatView struct {
	ID           string        `json:"chatId"`
	Name         string        `json:"chatName"`
	Category     string        `json:"categoryName,omitempty"`
	Model        string        `json:"modelName"`
	Sources      []string      `json:"sources"`
	AllSources   bool          `json:"allSources"`
	MessageCount int           `json:"messageCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Messages     []messageView `json:"messages,omitempty"`
}

func newChatView(c storage.Chat) chatView {
	v := chatView{
		ID:           c.ID,
		Name:         c.Name,
		Category:     c.CategoryName,
		Model:        c.ModelName,
		Sources:      c.Sources,
		AllSources:   c.Sources == nil,
		MessageCount: c.MessageCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, m := range c.Messages {
		v.Messages = append(v.Messages, messageView{Seq: m.Seq, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	if len(c.Messages) > v.MessageCount {
		v.MessageCount = len(c.Messages)
	}
	return v
}

type modelView struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	ModelID     string `json:"modelId"`
	Description string `json:"description,omitempty"`
}

func newModelView(d models.Descriptor) modelView {
	return modelView{Name: d.Name, Provider: d.Provider, ModelID: d.ModelID, Description: d.Description}
}

type askView struct {
	Answer   string   `json:"answer"`
	ChatID   string   `json:"chatId"`
	Model    string   `json:"modelName"`
	Category string   `json:"categoryName,omitempty"`
	Sources  []string `json:"sources"`
}

func newAskView(r pipeline.Response) askView {
	sources := r.Sources
	if sources == nil {
		sources = []string{}
	}
	return askView{Answer: r.Answer, ChatID: r.ChatID, Model: r.Model, Category: r.Category, Sources: sources}
}
