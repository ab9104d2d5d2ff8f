package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/kbchat/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Query       url.Values
	Body        string
	ContentType string
	Auth        string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.Query(),
			Body:        body.String(),
			ContentType: r.Header.Get("Content-Type"),
			Auth:        r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"chat \"x\" not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) only(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	return ts.requests[0]
}

// resetFlags clears flag values left over from earlier Execute calls.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the root command against ts.
func runCLI(t *testing.T, ts *testServer, args ...string) error {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() {
		newAPIClient = old
		rootCmd.SetArgs(nil)
	})
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestCategoryCreate_SendsParams(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/createCategory": `{"name":"Marketing","description":"campaigns","sourceCount":0}`,
	})

	if err := runCLI(t, ts, "category", "create", "Marketing", "--description", "campaigns"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.only(t)
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Query.Get("name") != "Marketing" || r.Query.Get("description") != "campaigns" {
		t.Errorf("query = %v", r.Query)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestCategoryEdit_OnlyChangedFlags(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/editCategory": `{"name":"Growth"}`,
	})

	if err := runCLI(t, ts, "category", "edit", "Marketing", "--name", "Growth", "--prompt", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q := ts.only(t).Query
	if q.Get("oldName") != "Marketing" || q.Get("newName") != "Growth" {
		t.Errorf("query = %v", q)
	}
	if !q.Has("defaultPrompt") || q.Get("defaultPrompt") != "" {
		t.Errorf("empty --prompt should clear the default: %v", q)
	}
	if q.Has("description") {
		t.Errorf("unchanged description was sent: %v", q)
	}
}

func TestCategoryEdit_NothingToChange(t *testing.T) {
	ts := newTestServer(t, nil)
	err := runCLI(t, ts, "category", "edit", "Marketing")
	if err == nil || !strings.Contains(err.Error(), "nothing to change") {
		t.Fatalf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestPromptCreate_FromFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/createPrompt": `{"title":"Persona","version":1}`,
	})
	path := filepath.Join(t.TempDir(), "persona.txt")
	if err := os.WriteFile(path, []byte("You are a marketer. {prompt}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runCLI(t, ts, "prompt", "create", "Persona", "--file", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q := ts.only(t).Query
	if q.Get("title") != "Persona" || q.Get("content") != "You are a marketer. {prompt}" {
		t.Errorf("query = %v", q)
	}
}

func TestPromptCreate_RequiresContent(t *testing.T) {
	ts := newTestServer(t, nil)
	err := runCLI(t, ts, "prompt", "create", "Empty")
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("err = %v, want it to mention 'required'", err)
	}
}

func TestSourceAdd_UploadsMultipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/upload": `{"fileName":"brief.txt","origin":"upload","chunks":1}`,
	})
	path := filepath.Join(t.TempDir(), "brief.txt")
	if err := os.WriteFile(path, []byte("Our Q3 campaign targets students."), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runCLI(t, ts, "source", "add", "Marketing", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.only(t)
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if r.Query.Get("categoryName") != "Marketing" {
		t.Errorf("query = %v", r.Query)
	}
	if !strings.Contains(r.Body, `filename="brief.txt"`) || !strings.Contains(r.Body, "Our Q3 campaign targets students.") {
		t.Errorf("multipart body missing file: %q", r.Body)
	}
}

func TestSourceAdd_Link(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/upload": `{"fileName":"plan.html","origin":"link","chunks":3}`,
	})
	if err := runCLI(t, ts, "source", "add", "Marketing", "--link", "https://example.com/plan", "--name", "plan.html"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q := ts.only(t).Query
	if q.Get("link") != "https://example.com/plan" || q.Get("fileName") != "plan.html" {
		t.Errorf("query = %v", q)
	}
}

func TestSourceAdd_FileXorLink(t *testing.T) {
	ts := newTestServer(t, nil)
	if err := runCLI(t, ts, "source", "add", "Marketing"); err == nil {
		t.Error("expected error without file or link")
	}
	if err := runCLI(t, ts, "source", "add", "Marketing", "a.txt", "--link", "https://example.com"); err == nil {
		t.Error("expected error with both file and link")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestChatEdit_JSONBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /aiChat/editChat": `{"chatId":"c1","chatName":"Q3"}`,
	})

	if err := runCLI(t, ts, "chat", "edit", "c1", "--name", "Q3", "--sources", "brief.txt,budget.txt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.only(t)
	if r.ContentType != "application/json" {
		t.Errorf("content type = %q", r.ContentType)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["chatId"] != "c1" || body["chatName"] != "Q3" {
		t.Errorf("body = %v", body)
	}
	sources, _ := body["sources"].([]any)
	if len(sources) != 2 || sources[0] != "brief.txt" {
		t.Errorf("sources = %v", body["sources"])
	}
	if _, ok := body["modelName"]; ok {
		t.Errorf("unchanged model was sent: %v", body)
	}
}

func TestAsk_JoinsQuestionAndTemplate(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /aiChat/ask": `{"answer":"Students.","chatId":"c1","modelName":"openchat","sources":["brief.txt"]}`,
	})

	if err := runCLI(t, ts, "ask", "c1", "Who", "is", "it", "for?", "--prompt", "Brief"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q := ts.only(t).Query
	if q.Get("chatId") != "c1" || q.Get("prompt") != "Who is it for?" || q.Get("promptTemplateTitle") != "Brief" {
		t.Errorf("query = %v", q)
	}
	if q.Has("categoryName") {
		t.Errorf("unset category was sent: %v", q)
	}
}

func TestChatRemove_ReportsServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	err := runCLI(t, ts, "chat", "remove", "x")
	if err == nil {
		t.Fatal("expected error for unknown chat")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestClient_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health", nil)
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestClient_QueryEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /aiChat/ask": `{}`})

	resp, err := ts.client().get(ctx, "/aiChat/ask", url.Values{"prompt": {"go & python?"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.only(t).Query.Get("prompt"); got != "go & python?" {
		t.Errorf("prompt = %q", got)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"unauthorized"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "bad-token", httpClient: srv.Client()}
	resp, err := client.get(ctx, "/aiChat/getChats", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid or missing bearer token") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "test message"); result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	if result := colorize(colorGreen, "test message"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Errorf("short = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("long = %q", got)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Server.APIToken = "secret"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Key == "server.api_token" && strings.Contains(k.Value, "secret") {
			t.Errorf("api token not masked: %q", k.Value)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestSetupLogging(t *testing.T) {
	defer setupLogging("info")

	setupLogging("debug")
	if !slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	setupLogging("warn")
	if slog.Default().Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
}
