// Package api exposes the knowledge-base chat service over HTTP and MCP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/models"
	"github.com/kalambet/kbchat/internal/pipeline"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 20 << 20 // 20MB
)

// Deps holds the services behind the HTTP surface.
type Deps struct {
	Categories *kb.Categories
	Prompts    *kb.Prompts
	Chats      *kb.Chats
	Sources    *ingest.Ingester
	Models     *models.Registry
	Asker      *pipeline.Asker
	Token      string
}

// NewHandler returns the HTTP handler: /health without auth and the
// /aiChat operations behind bearer-token auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/health", handleHealth)

	r.Route("/aiChat", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/ask", handleAsk(deps))

		r.Get("/getPrompts", handleListPrompts(deps))
		r.Post("/createPrompt", handleCreatePrompt(deps))
		r.Post("/editPrompt", handleEditPrompt(deps))
		r.Post("/removePrompt", handleRemovePrompt(deps))
		r.Get("/downloadPromptTxt", handleDownloadPrompt(deps))

		r.Get("/getCategories", handleListCategories(deps))
		r.Post("/createCategory", handleCreateCategory(deps))
		r.Post("/editCategory", handleEditCategory(deps))
		r.Post("/removeCategory", handleRemoveCategory(deps))

		r.Get("/getSources", handleListSources(deps))
		r.Post("/upload", handleUpload(deps))
		r.Post("/removeSource", handleRemoveSource(deps))
		r.Get("/download", handleDownloadSource(deps))

		r.Get("/getChats", handleListChats(deps))
		r.Get("/getChat", handleGetChat(deps))
		r.Post("/createChat", handleCreateChat(deps))
		r.Post("/editChat", handleEditChat(deps))
		r.Post("/removeChat", handleRemoveChat(deps))

		r.Get("/getModels", handleListModels(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
