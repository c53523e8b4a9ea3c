package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/xray-go/internal/platform/httpserver"
	"github.com/animus-labs/xray-go/internal/repo"
	"github.com/animus-labs/xray-go/internal/service/trails"
	"github.com/animus-labs/xray-go/pkg/diff"
	"github.com/animus-labs/xray-go/pkg/trail"
)

type collectorAPI struct {
	logger *slog.Logger
	trails *trails.Service
}

func newCollectorAPI(logger *slog.Logger, svc *trails.Service) *collectorAPI {
	return &collectorAPI{
		logger: logger,
		trails: svc,
	}
}

func (api *collectorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /executions", api.handleCreateExecution)
	mux.HandleFunc("GET /executions", api.handleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetTrail)
	mux.HandleFunc("POST /executions/{execution_id}/steps", api.handleAppendStep)
	mux.HandleFunc("POST /executions/{execution_id}/archive", api.handleArchive)
	mux.HandleFunc("GET /executions/{baseline_id}/diff/{candidate_id}", api.handleDiff)
	mux.HandleFunc("GET /search", api.handleSearch)
}

func (api *collectorAPI) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var execution trail.Execution
	if err := httpserver.DecodeJSON(r, &execution); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := api.trails.CreateExecution(r.Context(), execution); err != nil {
		api.writeStoreError(w, r, "create execution", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"execution_id": execution.ExecutionID})
}

func (api *collectorAPI) handleAppendStep(w http.ResponseWriter, r *http.Request) {
	executionID := strings.TrimSpace(r.PathValue("execution_id"))
	var step trail.Step
	if err := httpserver.DecodeJSON(r, &step); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if step.ExecutionID == "" {
		step.ExecutionID = executionID
	}
	if step.ExecutionID != executionID {
		httpserver.WriteError(w, r, http.StatusBadRequest, "execution_id_mismatch", "")
		return
	}
	if err := api.trails.AppendStep(r.Context(), step); err != nil {
		api.writeStoreError(w, r, "append step", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"step_id": step.StepID})
}

func (api *collectorAPI) handleGetTrail(w http.ResponseWriter, r *http.Request) {
	t, err := api.trails.Get(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		api.writeStoreError(w, r, "get trail", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, t)
}

func (api *collectorAPI) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	executions, err := api.trails.List(r.Context(), repo.ExecutionFilter{
		App:   q.Get("app"),
		Name:  q.Get("name"),
		Tag:   q.Get("tag"),
		Limit: parseIntQuery(r, "limit", repo.DefaultLimit),
	})
	if err != nil {
		api.writeStoreError(w, r, "list executions", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (api *collectorAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "q_required", "")
		return
	}
	executions, err := api.trails.Search(r.Context(), repo.SearchQuery{
		Text:  text,
		Limit: parseIntQuery(r, "limit", repo.DefaultLimit),
	})
	if err != nil {
		api.writeStoreError(w, r, "search executions", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"query": text, "executions": executions})
}

func (api *collectorAPI) handleDiff(w http.ResponseWriter, r *http.Request) {
	d, err := api.trails.Diff(r.Context(), r.PathValue("baseline_id"), r.PathValue("candidate_id"))
	if err != nil {
		api.writeStoreError(w, r, "diff executions", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, d)
}

func (api *collectorAPI) handleArchive(w http.ResponseWriter, r *http.Request) {
	res, err := api.trails.Archive(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		api.writeStoreError(w, r, "archive trail", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

func (api *collectorAPI) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repo.ErrInvalid):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_record", err.Error())
	case errors.Is(err, diff.ErrMalformedTrail):
		httpserver.WriteError(w, r, http.StatusUnprocessableEntity, "malformed_trail", err.Error())
	case errors.Is(err, trails.ErrArchiveDisabled):
		httpserver.WriteError(w, r, http.StatusNotImplemented, "archive_disabled", "")
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error(op+" failed", "request_id", requestID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
