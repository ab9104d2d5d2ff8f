package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/kbchat/internal/apperr"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxFetchSize = 5 << 20 // 5MB
)

// Fetched is the body of a link source.
type Fetched struct {
	Body        []byte
	ContentType string
}

// Fetcher downloads link sources with a timeout and a body size cap.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	maxSize int64
}

// NewFetcher returns a Fetcher. Zero timeout or maxSize select the defaults
// (10s, 5MB). A nil client uses http.DefaultClient.
func NewFetcher(client *http.Client, timeout time.Duration, maxSize int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxSize <= 0 {
		maxSize = defaultMaxFetchSize
	}
	return &Fetcher{client: client, timeout: timeout, maxSize: maxSize}
}

// Fetch GETs rawURL. Transport failures, non-2xx responses, oversize and
// empty bodies are reported as upstream fetch errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Fetched, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Fetched{}, apperr.Validation("link %q is not an http(s) URL", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Fetched{}, apperr.Validation("invalid link %q: %v", rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Fetched{}, apperr.UpstreamFetch(err, "fetching %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Fetched{}, apperr.UpstreamFetch(nil, "%s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return Fetched{}, apperr.UpstreamFetch(err, "reading %s", rawURL)
	}
	if int64(len(body)) > f.maxSize {
		return Fetched{}, apperr.UpstreamFetch(nil, "%s exceeds %d bytes", rawURL, f.maxSize)
	}
	if len(body) == 0 {
		return Fetched{}, apperr.UpstreamFetch(nil, "%s returned an empty body", rawURL)
	}
	return Fetched{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
