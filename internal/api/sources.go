package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/storage"
)

type uploadRequest struct {
	CategoryName string `param:"categoryName" validate:"required"`
	Link         string `param:"link" validate:"omitempty,url"`
	FileName     string `param:"fileName"`
}

type sourceRequest struct {
	CategoryName string `param:"categoryName" validate:"required"`
	FileName     string `param:"fileName" validate:"required"`
}

type categoryNameRequest struct {
	CategoryName string `param:"categoryName" validate:"required"`
}

// handleUpload accepts either a multipart "file" part or a "link" to fetch.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+maxRequestBodySize)
		defer r.Body.Close()

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
				writeError(w, r, apperr.Validation("invalid multipart body: %v", err))
				return
			}
			defer r.MultipartForm.RemoveAll()
		}

		var req uploadRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		src, err := ingestRequest(r, deps.Sources, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newSourceView(src))
	}
}

func ingestRequest(r *http.Request, in *ingest.Ingester, req uploadRequest) (storage.Source, error) {
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		if req.Link != "" {
			return storage.Source{}, apperr.Validation("provide either a file or a link, not both")
		}
		data, err := readPart(file)
		if err != nil {
			return storage.Source{}, apperr.Validation("reading upload: %v", err)
		}
		name := header.Filename
		if req.FileName != "" {
			name = req.FileName
		}
		return in.IngestUpload(r.Context(), req.CategoryName, ingest.Upload{
			FileName:    name,
			Content:     data,
			ContentType: header.Header.Get("Content-Type"),
		})
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		if req.Link == "" {
			return storage.Source{}, apperr.Validation("file or link is required")
		}
		return in.IngestLink(r.Context(), req.CategoryName, ingest.Link{URL: req.Link, FileName: req.FileName})
	default:
		return storage.Source{}, apperr.Validation("reading upload: %v", err)
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req categoryNameRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		sources, err := deps.Sources.List(r.Context(), req.CategoryName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]sourceView, len(sources))
		for i, s := range sources {
			out[i] = newSourceView(s)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRemoveSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sourceRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Sources.Remove(r.Context(), req.CategoryName, req.FileName); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": req.FileName})
	}
}

func handleDownloadSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sourceRequest
		if err := bindParams(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		src, err := deps.Sources.Read(r.Context(), req.CategoryName, req.FileName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		contentType := src.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		writeAttachment(w, contentType, src.FileName, src.Raw)
	}
}
