package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/models"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

const testToken = "test-token-12345"

type stubBackend struct {
	answer string
	err    error
}

func (b *stubBackend) Generate(_ context.Context, _ string, _ []engine.Message, _ models.Params) (string, error) {
	return b.answer, b.err
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	backend *stubBackend
	deps    Deps
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend := &stubBackend{answer: "The Q3 campaign targets students."}
	reg, err := models.NewRegistry(
		[]models.Descriptor{{Name: "openchat", Provider: models.ProviderOllama}},
		models.WithBackend(models.ProviderOllama, backend),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	categories := kb.NewCategories(store)
	prompts := kb.NewPrompts(store)
	chats := kb.NewChats(store, reg)
	retriever := retrieval.NewRetriever(store, nil, retrieval.ModeLexical)
	deps := Deps{
		Categories: categories,
		Prompts:    prompts,
		Chats:      chats,
		Sources:    ingest.NewIngester(store, ingest.NewFetcher(nil, 0, 0)),
		Models:     reg,
		Asker:      pipeline.NewAsker(chats, categories, prompts, reg, retriever),
		Token:      testToken,
	}
	t.Cleanup(deps.Asker.Wait)
	return &testEnv{handler: NewHandler(deps), store: store, backend: backend, deps: deps}
}

func authReq(method, path string, params url.Values, body io.Reader) *http.Request {
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) call(t *testing.T, method, path string, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, authReq(method, path, params, nil))
}

func (e *testEnv) mustCall(t *testing.T, method, path string, params url.Values, wantCode int) *httptest.ResponseRecorder {
	t.Helper()
	rec := e.call(t, method, path, params)
	if rec.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body: %s", method, path, rec.Code, wantCode, rec.Body.String())
	}
	return rec
}

func (e *testEnv) upload(t *testing.T, category, fileName, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := authReq(http.MethodPost, "/aiChat/upload", url.Values{"categoryName": {category}}, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(t, req)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupHandler(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	env := setupHandler(t)
	for _, header := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodGet, "/aiChat/getCategories", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := env.do(t, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestCategory_CreateConflictAndValidation(t *testing.T) {
	env := setupHandler(t)

	rec := env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}, "description": {"campaigns"}}, http.StatusCreated)
	cat := decode[categoryView](t, rec)
	if cat.Name != "Marketing" || cat.Description != "campaigns" {
		t.Errorf("created = %+v", cat)
	}

	rec = env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}}, http.StatusConflict)
	if body := decodeError(t, rec); body.Error.Type != "conflict" {
		t.Errorf("type = %q", body.Error.Type)
	}

	rec = env.mustCall(t, http.MethodPost, "/aiChat/createCategory", nil, http.StatusBadRequest)
	body := decodeError(t, rec)
	if body.Error.Type != "validation" || body.Error.Message != "name is required" {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestCategory_FormBody(t *testing.T) {
	env := setupHandler(t)
	req := authReq(http.MethodPost, "/aiChat/createCategory", nil, strings.NewReader("name=Sales&description=pipeline"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCategory_EditAndRemoveCascade(t *testing.T) {
	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}}, http.StatusCreated)
	if rec := env.upload(t, "Marketing", "brief.txt", "Our Q3 campaign targets students."); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	env.mustCall(t, http.MethodPost, "/aiChat/createChat", url.Values{"modelName": {"openchat"}, "categoryName": {"Marketing"}}, http.StatusCreated)

	rec := env.mustCall(t, http.MethodPost, "/aiChat/editCategory", url.Values{"oldName": {"Marketing"}, "newName": {"Growth"}}, http.StatusOK)
	if cat := decode[categoryView](t, rec); cat.Name != "Growth" || cat.SourceCount != 1 {
		t.Errorf("edited = %+v", cat)
	}

	rec = env.mustCall(t, http.MethodPost, "/aiChat/removeCategory", url.Values{"name": {"Growth"}}, http.StatusOK)
	res := decode[map[string]any](t, rec)
	if res["removedSources"] != float64(1) || res["removedChats"] != float64(1) {
		t.Errorf("cascade = %v", res)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/getChats", nil, http.StatusOK)
	if chats := decode[[]chatView](t, rec); len(chats) != 0 {
		t.Errorf("chats after cascade = %d", len(chats))
	}
	env.mustCall(t, http.MethodPost, "/aiChat/removeCategory", url.Values{"name": {"Growth"}}, http.StatusNotFound)
}

func TestPrompt_CRUDAndDownload(t *testing.T) {
	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createPrompt", url.Values{"title": {"Brief"}, "content": {"Answer briefly: {prompt}"}}, http.StatusCreated)

	rec := env.mustCall(t, http.MethodPost, "/aiChat/editPrompt", url.Values{"oldTitle": {"Brief"}, "content": {"Be short: {prompt}"}}, http.StatusOK)
	if p := decode[promptView](t, rec); p.Title != "Brief" || p.Content != "Be short: {prompt}" || p.Version != 2 {
		t.Errorf("edited = %+v", p)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/downloadPromptTxt", url.Values{"promptTitle": {"Brief"}}, http.StatusOK)
	if rec.Body.String() != "Be short: {prompt}" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=Brief.txt" {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = env.mustCall(t, http.MethodPost, "/aiChat/createPrompt", url.Values{"title": {"Bad"}, "content": {"{unclosed"}}, http.StatusBadRequest)
	if body := decodeError(t, rec); body.Error.Type != "validation" {
		t.Errorf("type = %q", body.Error.Type)
	}

	env.mustCall(t, http.MethodPost, "/aiChat/removePrompt", url.Values{"title": {"Brief"}}, http.StatusOK)
	rec = env.mustCall(t, http.MethodGet, "/aiChat/getPrompts", nil, http.StatusOK)
	if prompts := decode[[]promptView](t, rec); len(prompts) != 0 {
		t.Errorf("prompts = %+v", prompts)
	}
}

func TestAsk_EndToEnd(t *testing.T) {
	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}}, http.StatusCreated)
	env.upload(t, "Marketing", "brief.txt", "Our Q3 campaign targets students.")

	rec := env.mustCall(t, http.MethodPost, "/aiChat/createChat", url.Values{"modelName": {"openchat"}, "categoryName": {"Marketing"}}, http.StatusCreated)
	chat := decode[chatView](t, rec)
	if chat.Name != kb.DefaultChatName || !chat.AllSources {
		t.Errorf("chat = %+v", chat)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/ask", url.Values{
		"chatId":       {chat.ID},
		"prompt":       {"Who is the Q3 campaign for?"},
		"categoryName": {"Marketing"},
	}, http.StatusOK)
	ans := decode[askView](t, rec)
	if ans.Answer != "The Q3 campaign targets students." || ans.Model != "openchat" {
		t.Errorf("answer = %+v", ans)
	}
	if len(ans.Sources) != 1 || ans.Sources[0] != "brief.txt" {
		t.Errorf("sources = %v", ans.Sources)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/getChat", url.Values{"chatId": {chat.ID}}, http.StatusOK)
	got := decode[chatView](t, rec)
	if len(got.Messages) != 2 || got.Messages[0].Role != storage.RoleUser || got.Messages[1].Content != ans.Answer {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestAsk_Errors(t *testing.T) {
	env := setupHandler(t)

	rec := env.mustCall(t, http.MethodGet, "/aiChat/ask", url.Values{"prompt": {"hi"}}, http.StatusBadRequest)
	if body := decodeError(t, rec); body.Error.Message != "chatId is required" {
		t.Errorf("message = %q", body.Error.Message)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/ask", url.Values{"chatId": {"nope"}, "prompt": {"hi"}}, http.StatusNotFound)
	if body := decodeError(t, rec); body.Error.Type != "not_found" {
		t.Errorf("type = %q", body.Error.Type)
	}

	rec = env.mustCall(t, http.MethodPost, "/aiChat/createChat", url.Values{"modelName": {"openchat"}}, http.StatusCreated)
	chat := decode[chatView](t, rec)
	env.backend.err = errors.New("connection refused")
	rec = env.mustCall(t, http.MethodGet, "/aiChat/ask", url.Values{"chatId": {chat.ID}, "prompt": {"hi"}}, http.StatusServiceUnavailable)
	if body := decodeError(t, rec); body.Error.Type != "model_unavailable" {
		t.Errorf("type = %q", body.Error.Type)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/getChat", url.Values{"chatId": {chat.ID}}, http.StatusOK)
	if got := decode[chatView](t, rec); len(got.Messages) != 0 {
		t.Errorf("failed ask committed %d messages", len(got.Messages))
	}
}

func TestUpload_LinkAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Remote notes about pricing."))
	}))
	defer srv.Close()

	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Sales"}}, http.StatusCreated)

	rec := env.mustCall(t, http.MethodPost, "/aiChat/upload", url.Values{"categoryName": {"Sales"}, "link": {srv.URL + "/notes"}, "fileName": {"notes.txt"}}, http.StatusCreated)
	if src := decode[sourceView](t, rec); src.FileName != "notes.txt" || src.Origin != storage.OriginLink {
		t.Errorf("source = %+v", src)
	}

	env.mustCall(t, http.MethodPost, "/aiChat/upload", url.Values{"categoryName": {"Sales"}}, http.StatusBadRequest)
	env.mustCall(t, http.MethodPost, "/aiChat/upload", url.Values{"categoryName": {"Sales"}, "link": {srv.URL + "/notes"}, "fileName": {"notes.txt"}}, http.StatusConflict)
	if rec := env.upload(t, "Nope", "a.txt", "text"); rec.Code != http.StatusNotFound {
		t.Errorf("upload to missing category: %d", rec.Code)
	}

	srv.Close()
	rec = env.mustCall(t, http.MethodPost, "/aiChat/upload", url.Values{"categoryName": {"Sales"}, "link": {srv.URL + "/gone"}}, http.StatusBadGateway)
	if body := decodeError(t, rec); body.Error.Type != "upstream_fetch" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

func TestSource_DownloadListRemove(t *testing.T) {
	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}}, http.StatusCreated)
	env.upload(t, "Marketing", "brief.txt", "Our Q3 campaign targets students.")

	rec := env.mustCall(t, http.MethodGet, "/aiChat/download", url.Values{"categoryName": {"Marketing"}, "fileName": {"brief.txt"}}, http.StatusOK)
	if rec.Body.String() != "Our Q3 campaign targets students." {
		t.Errorf("body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=brief.txt" {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = env.mustCall(t, http.MethodGet, "/aiChat/getSources", url.Values{"categoryName": {"Marketing"}}, http.StatusOK)
	if srcs := decode[[]sourceView](t, rec); len(srcs) != 1 || srcs[0].Chunks == 0 {
		t.Errorf("sources = %+v", srcs)
	}

	env.mustCall(t, http.MethodPost, "/aiChat/removeSource", url.Values{"categoryName": {"Marketing"}, "fileName": {"brief.txt"}}, http.StatusOK)
	env.mustCall(t, http.MethodPost, "/aiChat/removeSource", url.Values{"categoryName": {"Marketing"}, "fileName": {"brief.txt"}}, http.StatusNotFound)
	env.mustCall(t, http.MethodGet, "/aiChat/download", url.Values{"categoryName": {"Marketing"}, "fileName": {"brief.txt"}}, http.StatusNotFound)
}

func TestChat_EditJSON(t *testing.T) {
	env := setupHandler(t)
	env.mustCall(t, http.MethodPost, "/aiChat/createCategory", url.Values{"name": {"Marketing"}}, http.StatusCreated)
	env.upload(t, "Marketing", "brief.txt", "Our Q3 campaign targets students.")
	env.upload(t, "Marketing", "budget.txt", "Budget is fixed.")
	rec := env.mustCall(t, http.MethodPost, "/aiChat/createChat", url.Values{"modelName": {"openchat"}, "categoryName": {"Marketing"}}, http.StatusCreated)
	chat := decode[chatView](t, rec)

	edit := func(body string) *httptest.ResponseRecorder {
		req := authReq(http.MethodPost, "/aiChat/editChat", nil, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(t, req)
	}

	rec = edit(`{"chatId":"` + chat.ID + `","chatName":"Q3 planning","sources":["brief.txt"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[chatView](t, rec)
	if got.Name != "Q3 planning" || got.AllSources || len(got.Sources) != 1 {
		t.Errorf("edited = %+v", got)
	}

	if rec := edit(`{"chatId":"` + chat.ID + `","sources":["missing.txt"]}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown source: status = %d", rec.Code)
	}
	if rec := edit(`{"chatId":"` + chat.ID + `","sources":["brief.txt"],"allSources":true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("sources with allSources: status = %d", rec.Code)
	}
	if rec := edit(`{"chatName":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing chatId: status = %d", rec.Code)
	}
	if rec := edit(`not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
	if rec := edit(`{"chatId":"` + chat.ID + `","modelName":"gpt-99"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown model: status = %d", rec.Code)
	}
}

func TestChat_RemoveUnknown(t *testing.T) {
	env := setupHandler(t)
	rec := env.mustCall(t, http.MethodPost, "/aiChat/removeChat", url.Values{"chatId": {"does-not-exist"}}, http.StatusNotFound)
	if body := decodeError(t, rec); body.Error.Type != "not_found" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

func TestModels_List(t *testing.T) {
	env := setupHandler(t)
	rec := env.mustCall(t, http.MethodGet, "/aiChat/getModels", nil, http.StatusOK)
	list := decode[[]modelView](t, rec)
	if len(list) != 1 || list[0].Name != "openchat" || list[0].Provider != models.ProviderOllama {
		t.Errorf("models = %+v", list)
	}
}
