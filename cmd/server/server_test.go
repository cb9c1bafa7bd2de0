package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/ontograph"
	"github.com/brunobiangulo/ontograph/classifier"
	"github.com/brunobiangulo/ontograph/graph"
	"github.com/brunobiangulo/ontograph/llm/llmtest"
	"github.com/brunobiangulo/ontograph/ontology"
)

const catalog = `
libraries:
  - name: Legal
    ontologies:
      - name: Contract
        description: Bilateral agreements.
        node_types:
          - name: ContractNode
            attributes:
              - name: title
`

func respond(_ context.Context, c llmtest.Call) (string, error) {
	switch c.Stage {
	case classifier.StageLibrary:
		return `{"choice":"Legal","score":90,"rationale":"legal text"}`, nil
	case classifier.StageOntology:
		return `{"choice":"Contract","score":80,"rationale":"an agreement"}`, nil
	case graph.StageLabelDirect:
		return `{"contract_node":{"title":"Lease","reason":"header","reference_text":"LEASE"}}`, nil
	}
	return "", fmt.Errorf("unexpected stage %s", c.Stage)
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	reg, err := ontology.Load([]byte(catalog))
	require.NoError(t, err)
	metrics := prometheus.NewRegistry()
	e, err := ontograph.New(ontograph.Config{},
		ontograph.WithGenerator(&llmtest.FakeGenerator{Respond: respond}),
		ontograph.WithRegistry(reg),
		ontograph.WithRegisterer(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return requestIDMiddleware(authMiddleware("secret", newMux(newHandler(e), metrics)))
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestClassifyEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec, body := do(t, h, httptest.NewRequest(http.MethodPost, "/classify", strings.NewReader(`{"text":"LEASE between A and B"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Legal", body["library"])
	assert.Equal(t, "Contract", body["ontology"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestExtractEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec, body := do(t, h, httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(`{"text":"LEASE between A and B"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "extracted", body["status"])
	assert.Len(t, body["nodes"], 1)

	rec, body = do(t, h, httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(`{"text":"LEASE","ontology":"Contract"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["nodes"], 1)
}

func TestExtractUpload(t *testing.T) {
	h := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../../lease.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("LEASE between A and B"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/extract", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, body := do(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := body["document"].(map[string]any)
	assert.Equal(t, "lease.txt", doc["source"])
	assert.Equal(t, "txt", doc["format"])
}

func TestErrorStatuses(t *testing.T) {
	h := newTestServer(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad json", "/extract", `{`, http.StatusBadRequest},
		{"empty text", "/extract", `{"text":"  "}`, http.StatusBadRequest},
		{"empty classify", "/classify", `{"text":""}`, http.StatusBadRequest},
		{"unknown ontology", "/extract", `{"text":"x","ontology":"Lease"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestOntologiesEndpoint(t *testing.T) {
	rec, body := do(t, newTestServer(t), httptest.NewRequest(http.MethodGet, "/ontologies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	libs := body["libraries"].([]any)
	require.Len(t, libs, 1)
	lib := libs[0].(map[string]any)
	assert.Equal(t, "Legal", lib["name"])
	ont := lib["ontologies"].([]any)[0].(map[string]any)
	assert.Equal(t, "Contract", ont["name"])
	assert.Equal(t, "Bilateral agreements.", ont["description"])
}

func TestRunsWithoutStore(t *testing.T) {
	rec, _ := do(t, newTestServer(t), httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthAndPublicPaths(t *testing.T) {
	h := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ontologies", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Metrics are served after an extraction has been counted.
	do(t, h, httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(`{"text":"LEASE"}`)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ontograph_graph_")
}

func TestRequestIDEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec, _ := do(t, newTestServer(t), req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "ontograph.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("threshold: 70\nchat:\n  provider: groq\n  model: llama-3.3-70b\n"), 0o644))
	cfg, err := loadConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 70, cfg.Threshold)
	assert.Equal(t, "groq", cfg.Chat.Provider)
	assert.Equal(t, 16, cfg.Concurrency, "unset fields keep defaults")

	jsonPath := filepath.Join(dir, "ontograph.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"language":"Turkish"}`), 0o644))
	cfg, err = loadConfig(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "Turkish", cfg.Language)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ONTOGRAPH_CHAT_PROVIDER": "openai",
		"ONTOGRAPH_THRESHOLD":     "65",
		"ONTOGRAPH_CONCURRENCY":   "not-a-number",
		"OPENAI_API_KEY":          "sk-test",
	}
	cfg := ontograph.DefaultConfig()
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, "openai", cfg.Chat.Provider)
	assert.Equal(t, "sk-test", cfg.Chat.APIKey)
	assert.Equal(t, 65, cfg.Threshold)
	assert.Equal(t, 16, cfg.Concurrency)
}
