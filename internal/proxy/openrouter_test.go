package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func question() ChatRequest {
	return ChatRequest{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{{Role: "system", Content: "Answer from context."}, {Role: "user", Content: "Who is the Q3 campaign for?"}},
	}
}

// newTestClient serves h and returns a client with millisecond backoff.
func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("test-key", WithBaseURL(srv.URL+"/"), WithBackoff(time.Millisecond))
}

func answer(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":%q}}]}`, text)
	}
}

func TestComplete(t *testing.T) {
	var (
		got     ChatRequest
		path    string
		headers http.Header
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path, headers = r.URL.Path, r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		answer("Students.")(w, r)
	})

	temp := 0.4
	req := question()
	req.Temperature = &temp
	text, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Students." {
		t.Errorf("text = %q", text)
	}
	if path != "/chat/completions" {
		t.Errorf("path = %q", path)
	}
	if headers.Get("Authorization") != "Bearer test-key" || headers.Get("X-Title") != "kbchat" {
		t.Errorf("headers = %v", headers)
	}
	if got.Model != req.Model || len(got.Messages) != 2 || got.Temperature == nil || *got.Temperature != 0.4 {
		t.Errorf("request = %+v", got)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	})
	if _, err := c.Complete(context.Background(), question()); !errors.Is(err, ErrEmptyCompletion) {
		t.Errorf("err = %v, want ErrEmptyCompletion", err)
	}
}

func TestComplete_APIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"envelope", `{"error":{"message":"No endpoints found for ghost/model","code":404}}`, "No endpoints found for ghost/model"},
		{"plain", "model missing\n", "model missing"},
		{"empty", "", "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Complete(context.Background(), question())

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != http.StatusNotFound || apiErr.Message != tt.want {
				t.Errorf("api error = %+v", apiErr)
			}
			if calls.Load() != 1 {
				t.Errorf("non-temporary error retried %d times", calls.Load()-1)
			}
		})
	}
}

func TestComplete_RetriesTemporary(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			answer("ok")(w, r)
		}
	})
	text, err := c.Complete(context.Background(), question())
	if err != nil || text != "ok" {
		t.Fatalf("Complete = %q, %v", text, err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestComplete_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Complete(context.Background(), question())

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Temporary() {
		t.Fatalf("err = %v, want temporary *APIError", err)
	}
	if calls.Load() != attempts {
		t.Errorf("calls = %d, want %d", calls.Load(), attempts)
	}
}

func TestComplete_CancelDuringRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, question())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Complete waited out Retry-After despite the deadline")
	}
}

func TestComplete_CancelInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := newTestClient(t, func(_ http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Complete(ctx, question())
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Complete did not return after cancel")
	}
}
