package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/kbchat/internal/apperr"
)

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<p>hello</p>"))
	}))
	defer srv.Close()

	got, err := NewFetcher(srv.Client(), 0, 0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got.Body) != "<p>hello</p>" || got.ContentType != "text/html" {
		t.Errorf("Fetch = %+v", got)
	}
}

func TestFetch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/empty":
		case "/big":
			w.Write([]byte(strings.Repeat("x", 64)))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 50*time.Millisecond, 32)
	for _, path := range []string{"/missing", "/empty", "/big", "/slow"} {
		_, err := f.Fetch(context.Background(), srv.URL+path)
		if !apperr.Is(err, apperr.KindUpstreamFetch) {
			t.Errorf("Fetch(%s) error = %v, want upstream_fetch", path, err)
		}
	}
}

func TestFetch_RejectsNonHTTP(t *testing.T) {
	_, err := NewFetcher(nil, 0, 0).Fetch(context.Background(), "file:///etc/passwd")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}
