package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	planner "github.com/thenew-programer/tams-taqa-sub001"
	"github.com/thenew-programer/tams-taqa-sub001/internal/logging"
	"github.com/thenew-programer/tams-taqa-sub001/internal/service"
	"github.com/thenew-programer/tams-taqa-sub001/internal/worker"
)

// Scheduler is the slice of service.Service the handlers drive.
type Scheduler interface {
	RunPass(ctx context.Context, req service.PassRequest) (service.PassReport, error)
	Optimize(ctx context.Context, sessionID string) (planner.OptimizationReport, error)
	SynthesizeWindow(ctx context.Context, req service.SynthesisRequest) ([]planner.MaintenanceWindow, error)
	ScorePair(ctx context.Context, anomalyID, windowID string) (service.ScoreResult, error)
	Session(id string) string
}

type Queue interface {
	Enqueue(session string) bool
	Sessions() []worker.SessionInfo
}

type Handler struct {
	Scheduler Scheduler
	// Queue is optional; without it async passes are rejected.
	Queue   Queue
	Timeout time.Duration
	Logger  *slog.Logger
}

type errorResponse struct {
	Ok      bool                  `json:"ok"`
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Details []planner.ErrorDetail `json:"details"`
}

type passRequest struct {
	SessionID string `json:"sessionId"`
	DryRun    bool   `json:"dryRun"`
	Async     bool   `json:"async"`
}

type optimizeRequest struct {
	SessionID string `json:"sessionId"`
}

type scoreRequest struct {
	AnomalyID string `json:"anomalyId"`
	WindowID  string `json:"windowId"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/planning", func(r chi.Router) {
		r.Post("/passes", h.handlePass)
		r.Post("/optimize", h.handleOptimize)
		r.Post("/score", h.handleScore)
		r.Get("/sessions", h.handleSessions)
	})
	r.Post("/windows/synthesize", h.handleSynthesize)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.Discard()
	}
	return h.Logger
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handlePass(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.Async {
		if h.Queue == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "NO_WORKERS", Message: "background passes are not enabled"})
			return
		}
		session := h.Scheduler.Session(req.SessionID)
		if !h.Queue.Enqueue(session) {
			writeJSON(w, http.StatusConflict, errorResponse{Code: "NOT_QUEUED", Message: "a pass for this session is pending or cooling down"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": true, "sessionId": session})
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	report, err := h.Scheduler.RunPass(ctx, service.PassRequest{SessionID: req.SessionID, DryRun: req.DryRun})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

func (h *Handler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	report, err := h.Scheduler.Optimize(ctx, req.SessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	var details []planner.ErrorDetail
	if strings.TrimSpace(req.AnomalyID) == "" {
		details = append(details, planner.ErrorDetail{Field: "anomalyId", Problem: "missing"})
	}
	if strings.TrimSpace(req.WindowID) == "" {
		details = append(details, planner.ErrorDetail{Field: "windowId", Problem: "missing"})
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: "anomalyId and windowId are required", Details: details})
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	res, err := h.Scheduler.ScorePair(ctx, req.AnomalyID, req.WindowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "score": res})
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req service.SynthesisRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if len(req.AnomalyIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "INVALID_INPUT",
			Message: "anomalyIds is required",
			Details: []planner.ErrorDetail{{Field: "anomalyIds", Problem: "empty"}},
		})
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	windows, err := h.Scheduler.SynthesizeWindow(ctx, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"ok": true, "windows": windows})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []worker.SessionInfo{}
	if h.Queue != nil {
		sessions = h.Queue.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": sessions})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var inputErr *planner.InputError
	switch {
	case errors.As(err, &inputErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_INPUT", Message: err.Error(), Details: inputErr.Details})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, service.ErrSessionBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Code: "SESSION_BUSY", Message: err.Error()})
	case errors.Is(err, service.ErrPersistenceConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Code: "TIMEOUT", Message: "planning request timed out"})
	default:
		h.logger().Error("planning request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "planning request failed"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalJSON accepts an empty body and leaves v at its zero value.
func decodeOptionalJSON(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
