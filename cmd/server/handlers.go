package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/ontograph"
	"github.com/brunobiangulo/ontograph/graph"
	"github.com/brunobiangulo/ontograph/store"
)

const maxUpload = 100 << 20 // 100MB

type handler struct {
	engine *ontograph.Engine
}

func newHandler(e *ontograph.Engine) *handler {
	return &handler{engine: e}
}

func newMux(h *handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /classify", h.handleClassify)
	mux.HandleFunc("POST /extract", h.handleExtract)
	mux.HandleFunc("GET /ontologies", h.handleOntologies)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

type textRequest struct {
	Text     string `json:"text"`
	Ontology string `json:"ontology,omitempty"`
}

// POST /classify
func (h *handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := h.engine.Classify(ctx, req.Text)
	if err != nil {
		h.fail(w, "classify", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /extract
// Accepts a multipart file upload or JSON with text. An ontology form
// field or JSON key skips classification.
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.extractUpload(ctx, w, r)
		return
	}

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'text'")
		return
	}

	var (
		res *ontograph.Result
		err error
	)
	if req.Ontology != "" {
		res, err = h.engine.Extract(ctx, req.Text, req.Ontology)
	} else {
		res, err = h.engine.Run(ctx, req.Text)
	}
	if err != nil {
		h.fail(w, "extract", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) extractUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)

	tmpDir, err := os.MkdirTemp("", "ontograph-upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("creating temp dir", "error", err)
		return
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, safeName)
	dst, err := os.Create(tmpPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("creating temp file", "error", err)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		writeError(w, http.StatusInternalServerError, "failed to save file")
		slog.Error("saving uploaded file", "error", err)
		return
	}
	dst.Close()

	var res *ontograph.Result
	if ont := r.FormValue("ontology"); ont != "" {
		var text string
		text, _, err = h.engine.ParseFile(ctx, tmpPath)
		if err == nil {
			res, err = h.engine.Extract(ctx, text, ont)
		}
	} else {
		res, err = h.engine.RunFile(ctx, tmpPath)
	}
	if err != nil {
		h.fail(w, "extract upload", err)
		return
	}
	if res.Document != nil {
		res.Document.Source = safeName
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /ontologies
func (h *handler) handleOntologies(w http.ResponseWriter, r *http.Request) {
	type ontologyInfo struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	type libraryInfo struct {
		Name       string         `json:"name"`
		Ontologies []ontologyInfo `json:"ontologies"`
	}

	reg := h.engine.Registry()
	libs := []libraryInfo{}
	for _, lib := range reg.Libraries() {
		desc, err := reg.Describe(lib)
		if err != nil {
			h.fail(w, "list ontologies", err)
			return
		}
		names, _ := reg.Ontologies(lib)
		info := libraryInfo{Name: lib, Ontologies: []ontologyInfo{}}
		for _, n := range names {
			info.Ontologies = append(info.Ontologies, ontologyInfo{Name: n, Description: desc[n]})
		}
		libs = append(libs, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"libraries": libs})
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Store()
	if s == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 0 || limit > 500 {
		limit = 0 // use default
	}
	runs, err := s.ListRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Store()
	if s == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	id := r.PathValue("id")
	run, err := s.GetRun(r.Context(), id)
	if err != nil {
		h.fail(w, "get run", err)
		return
	}
	stats, err := s.StageStats(r.Context(), id)
	if err != nil {
		h.fail(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "stages": stats})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// fail maps engine errors to HTTP statuses and logs the rest.
func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" error", "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ontograph.ErrEmptyDocument):
		return http.StatusBadRequest
	case errors.Is(err, ontograph.ErrUnknownOntology), errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ontograph.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ontograph.ErrParsingFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, graph.ErrAllFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
