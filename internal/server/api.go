package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vibekit/vibekit/internal/dispatcher"
	"github.com/vibekit/vibekit/internal/runlog"
	"github.com/vibekit/vibekit/internal/runner"
	"github.com/vibekit/vibekit/internal/status"
)

type apiHandler struct {
	dispatcher RunDispatcher
	channel    *status.Channel
	log        RunLog
	baseCtx    context.Context
	startAt    time.Time
	logger     *slog.Logger
}

// runRequest is the JSON body for run submission. GithubToken is a
// credential: it is passed through to the run and never logged.
type runRequest struct {
	LogID        string `json:"log_id"`
	Repository   string `json:"repository"`
	Instructions string `json:"instructions"`
	Prompt       string `json:"prompt"`
	GithubToken  string `json:"github_token"`
}

func (rr runRequest) toRunner() runner.Request {
	return runner.Request{
		LogID:        rr.LogID,
		Repository:   rr.Repository,
		Instructions: rr.Instructions,
		Prompt:       rr.Prompt,
		GithubToken:  rr.GithubToken,
	}
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSON(w, statusCode, apiError{Error: msg})
}

// submitStatusCode maps dispatcher errors to HTTP status codes.
func submitStatusCode(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// handleSubmitRun accepts a run and starts it in the background. Progress is
// observable via the status stream and the run history endpoints.
func (h *apiHandler) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.dispatcher.Submit(h.baseCtx, req.toRunner()); err != nil {
		writeError(w, submitStatusCode(err), err.Error())
		return
	}

	h.logger.Info("run accepted", "log_id", req.LogID, "repository", req.Repository)
	writeJSON(w, http.StatusAccepted, map[string]string{"log_id": req.LogID})
}

type syncRunResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleRunSync runs the request inline and reports the outcome in the
// response body. Cancelling the HTTP request cancels the run.
func (h *apiHandler) handleRunSync(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatcher.Execute(r.Context(), req.toRunner())
	if err != nil {
		code := submitStatusCode(err)
		if code == http.StatusBadRequest && !isValidationError(err) {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, syncRunResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, syncRunResponse{Success: true, Message: result.PR.URL})
}

// isValidationError reports whether the error came from request validation
// rather than run execution.
func isValidationError(err error) bool {
	return errors.Is(err, dispatcher.ErrUnauthenticated) ||
		errors.Is(err, dispatcher.ErrAlreadyRunning) ||
		errors.Is(err, dispatcher.ErrBusy)
}

func (h *apiHandler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	logID := r.PathValue("log_id")
	if !h.dispatcher.Cancel(logID) {
		writeError(w, http.StatusNotFound, "no active run for log id")
		return
	}
	h.logger.Info("run cancellation requested", "log_id", logID)
	writeJSON(w, http.StatusAccepted, map[string]string{"log_id": logID})
}

// runResponse is the JSON shape of a persisted run. Instructions are
// included; the github token is never stored, so it can never leak here.
type runResponse struct {
	LogID        string `json:"log_id"`
	Repository   string `json:"repository"`
	Instructions string `json:"instructions"`
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func toRunResponse(run runlog.Run) runResponse {
	return runResponse{
		LogID:        run.LogID,
		Repository:   run.Repository,
		Instructions: run.Instructions,
		State:        run.State,
		ErrorMessage: run.ErrorMessage,
		PRURL:        run.PRURL,
		CreatedAt:    run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    run.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *apiHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.log.ListRuns(runlog.RunFilter{State: r.URL.Query().Get("state")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *apiHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.log.GetRun(r.PathValue("log_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *apiHandler) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	logID := r.PathValue("log_id")
	if _, err := h.log.GetRun(logID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	events, err := h.log.ListEvents(logID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"status":     e.Status,
			"detail":     e.Detail,
			"created_at": e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_id": logID, "events": out})
}

type subscriptionRequest struct {
	Topics []string `json:"topics"`
}

// handleCreateSubscription mints a single-use token the caller presents on
// the WebSocket endpoint to attach to live status events.
func (h *apiHandler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	// An empty body means "subscribe to everything".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Topics) == 0 {
		req.Topics = []string{status.TopicStatus}
	}

	tok, err := h.channel.IssueToken(req.Topics...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startAt).Seconds()),
	}
	if h.dispatcher != nil {
		resp["active_runs"] = h.dispatcher.ActiveCount()
	}
	if h.channel != nil {
		resp["subscribers"] = h.channel.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
