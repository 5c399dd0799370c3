package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/application"
	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// checkTimeout bounds how long a manual check request waits for the polling
// loop, which may be busy with a scheduled cycle.
const checkTimeout = 25 * time.Second

// Handler is the HTTP driving adapter that serves the status API.
type Handler struct {
	store   driven.WatermarkStore
	pollSvc *application.PollService
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(store driven.WatermarkStore, pollSvc *application.PollService, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		pollSvc: pollSvc,
		logger:  logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/targets", h.ListTargets)
	mux.HandleFunc("POST /api/v1/targets/check/{key...}", h.CheckTarget)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// ListTargets returns every configured target with its runtime status and
// stored watermark, in configuration order.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	marks, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list watermarks", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	byKey := make(map[string]*model.Watermark, len(marks))
	for i := range marks {
		byKey[marks[i].TargetKey] = &marks[i]
	}

	statuses := h.pollSvc.Statuses()
	resp := make([]TargetResponse, 0, len(statuses))
	for _, st := range statuses {
		resp = append(resp, toTargetResponse(st, byKey[st.Target.Key()]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CheckTarget runs one cycle for the target named by the path, bypassing the
// poll interval. GitLab keys keep their "gitlab:" prefix.
func (h *Handler) CheckTarget(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "target key is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	result, err := h.pollSvc.RefreshTarget(ctx, key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toCheckResponse(result))
	case errors.Is(err, application.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, "target not found")
	case errors.Is(err, application.ErrTargetDisabled):
		writeError(w, http.StatusConflict, "target disabled after an authentication failure")
	case ctx.Err() != nil:
		writeError(w, http.StatusServiceUnavailable, "poll service busy, try again later")
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error: err.Error(),
			Kind:  string(application.ClassifyError(err)),
		})
	}
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Targets: len(h.pollSvc.Targets()),
	})
}
