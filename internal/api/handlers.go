package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/pipeline"
)

type askRequest struct {
	ChatID       string `param:"chatId" validate:"required"`
	Prompt       string `param:"prompt" validate:"required"`
	CategoryName string `param:"categoryName"`
	PromptTitle  string `param:"promptTemplateTitle"`
	Executor     string `param:"executor"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		resp, err := deps.Asker.Ask(r.Context(), pipeline.Request{
			ChatID:       req.ChatID,
			Prompt:       req.Prompt,
			CategoryName: req.CategoryName,
			PromptTitle:  req.PromptTitle,
			Executor:     req.Executor,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newAskView(resp))
	}
}

// --- prompts ---

type createPromptRequest struct {
	Title        string `param:"title" validate:"required,max=200"`
	Content      string `param:"content" validate:"required"`
	CategoryName string `param:"categoryName"`
}

type editPromptRequest struct {
	OldTitle     string  `param:"oldTitle" validate:"required"`
	Title        *string `param:"title" validate:"omitempty,max=200"`
	Content      *string `param:"content"`
	CategoryName *string `param:"categoryName"`
}

type titleRequest struct {
	Title string `param:"title" validate:"required"`
}

func handleListPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prompts, err := deps.Prompts.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]promptView, len(prompts))
		for i, p := range prompts {
			out[i] = newPromptView(p)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreatePrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPromptRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		p, err := deps.Prompts.Create(r.Context(), req.Title, req.Content, req.CategoryName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newPromptView(p))
	}
}

func handleEditPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editPromptRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		p, err := deps.Prompts.Edit(r.Context(), req.OldTitle, kb.EditPrompt{
			Title:    req.Title,
			Content:  req.Content,
			Category: req.CategoryName,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newPromptView(p))
	}
}

func handleRemovePrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req titleRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Prompts.Remove(r.Context(), req.Title); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": req.Title})
	}
}

type downloadPromptRequest struct {
	PromptTitle string `param:"promptTitle" validate:"required"`
}

func handleDownloadPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req downloadPromptRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		p, err := deps.Prompts.Resolve(r.Context(), req.PromptTitle)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeAttachment(w, "application/octet-stream", p.Title+".txt", []byte(p.Content))
	}
}

// --- categories ---

type createCategoryRequest struct {
	Name        string `param:"name" validate:"required,max=200"`
	Description string `param:"description"`
}

type editCategoryRequest struct {
	OldName       string  `param:"oldName" validate:"required"`
	NewName       *string `param:"newName" validate:"omitempty,max=200"`
	Description   *string `param:"description"`
	DefaultPrompt *string `param:"defaultPrompt"`
}

type nameRequest struct {
	Name string `param:"name" validate:"required"`
}

func handleListCategories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := deps.Categories.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]categoryView, len(cats))
		for i, c := range cats {
			out[i] = newCategoryView(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateCategory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCategoryRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := deps.Categories.Create(r.Context(), req.Name, req.Description)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newCategoryView(c))
	}
}

func handleEditCategory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editCategoryRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := deps.Categories.Edit(r.Context(), req.OldName, kb.EditCategory{
			NewName:       req.NewName,
			Description:   req.Description,
			DefaultPrompt: req.DefaultPrompt,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newCategoryView(c))
	}
}

func handleRemoveCategory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nameRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := deps.Categories.Remove(r.Context(), req.Name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"removed":        req.Name,
			"removedSources": res.Sources,
			"removedChats":   res.Chats,
		})
	}
}

// --- chats ---

type createChatRequest struct {
	ModelName    string `param:"modelName" validate:"required"`
	CategoryName string `param:"categoryName"`
}

type chatIDRequest struct {
	ChatID string `param:"chatId" validate:"required"`
}

type editChatRequest struct {
	ChatID       string    `json:"chatId" validate:"required"`
	ChatName     *string   `json:"chatName"`
	CategoryName *string   `json:"categoryName"`
	ModelName    *string   `json:"modelName"`
	Sources      *[]string `json:"sources" validate:"omitempty,dive,required"`
	AllSources   bool      `json:"allSources"`
}

func handleListChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chats, err := deps.Chats.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]chatView, len(chats))
		for i, c := range chats {
			out[i] = newChatView(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatIDRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := deps.Chats.Get(r.Context(), req.ChatID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newChatView(c))
	}
}

func handleCreateChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createChatRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		c, err := deps.Chats.Create(r.Context(), req.ModelName, req.CategoryName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newChatView(c))
	}
}

func handleEditChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req editChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperr.Validation("invalid request body: %v", err))
			return
		}
		if err := validateStruct(&req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.AllSources && req.Sources != nil {
			writeError(w, r, apperr.Validation("sources cannot be combined with allSources"))
			return
		}
		c, err := deps.Chats.Edit(r.Context(), req.ChatID, kb.EditChat{
			Name:         req.ChatName,
			CategoryName: req.CategoryName,
			ModelName:    req.ModelName,
			Sources:      req.Sources,
			AllSources:   req.AllSources,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newChatView(c))
	}
}

func handleRemoveChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatIDRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Chats.Remove(r.Context(), req.ChatID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": req.ChatID})
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := deps.Models.List()
		out := make([]modelView, len(list))
		for i, d := range list {
			out[i] = newModelView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeAttachment(w http.ResponseWriter, contentType, fileName string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// readPart reads an uploaded file, rejecting anything over the upload cap.
func readPart(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUploadSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUploadSize {
		return nil, errors.New("file exceeds upload size limit")
	}
	return data, nil
}
