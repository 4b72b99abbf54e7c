package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinelops/internal/audit"
	apierrors "sentinelops/internal/errors"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
	"sentinelops/internal/storage"
	"sentinelops/internal/workflow"
)

// Incidents is the part of the workflow engine the handler serves.
type Incidents interface {
	Get(ctx context.Context, incidentID string) (*schema.Incident, error)
	History(ctx context.Context, incidentID string) ([]audit.Entry, error)
	Verify(ctx context.Context, incidentID string) (bool, error)
	Submit(ctx context.Context, incidentID string, ev schema.Event) (schema.WorkflowState, error)
	Reset(ctx context.Context, incidentID, actor, reason string) (schema.WorkflowState, error)
}

// Handler serves the status and operator endpoints.
type Handler struct {
	monitor     *Monitor
	incidents   Incidents
	deadLetters router.DeadLetterLister
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

// NewHandler creates a handler. deadLetters and gatherer may be nil.
func NewHandler(monitor *Monitor, incidents Incidents, deadLetters router.DeadLetterLister, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		monitor:     monitor,
		incidents:   incidents,
		deadLetters: deadLetters,
		gatherer:    gatherer,
		logger:      logger.With("component", "http"),
	}
}

// RegisterRoutes registers the routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /status", h.HandleStatus)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /incidents/{id}", h.HandleGetIncident)
	mux.HandleFunc("GET /incidents/{id}/audit", h.HandleAudit)
	mux.HandleFunc("GET /incidents/{id}/audit/verify", h.HandleVerify)
	mux.HandleFunc("POST /incidents/{id}/reset", h.HandleReset)
	mux.HandleFunc("POST /incidents/{id}/events", h.HandleEvent)
	mux.HandleFunc("GET /dead-letters", h.HandleDeadLetters)
}

// HandleHealth handles GET /health, a liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus handles GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.monitor.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to compute status", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status_error", "failed to compute status")
		return
	}
	code := http.StatusOK
	if snap.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, snap)
}

// HandleGetIncident handles GET /incidents/{id}.
func (h *Handler) HandleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "failed to load incident")
		return
	}
	h.writeJSON(w, http.StatusOK, inc)
}

// HandleAudit handles GET /incidents/{id}/audit.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.incidents.History(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "failed to read audit chain")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"entries":     entries,
		"total":       len(entries),
	})
}

// HandleVerify handles GET /incidents/{id}/audit/verify.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.incidents.Verify(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "failed to verify audit chain")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"valid":       ok,
	})
}

type operatorRequest struct {
	Type   schema.EventType `json:"type"`
	Actor  string           `json:"actor"`
	Reason string           `json:"reason"`
}

// HandleReset handles POST /incidents/{id}/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	id := r.PathValue("id")
	state, err := h.incidents.Reset(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		h.writeSubmitError(w, id, err)
		return
	}
	h.logger.Info("incident reset by operator", "incident_id", id, "actor", req.Actor, "state", state)
	h.writeJSON(w, http.StatusOK, map[string]string{"incident_id": id, "status": string(state)})
}

// HandleEvent handles POST /incidents/{id}/events. Only operator events
// are accepted.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if !req.Type.OperatorEvent() {
		h.writeError(w, http.StatusBadRequest, "invalid_event", "type must be an operator event")
		return
	}
	if req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "actor field is required")
		return
	}

	id := r.PathValue("id")
	state, err := h.incidents.Submit(r.Context(), id, schema.Event{
		Type:   req.Type,
		Actor:  req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeSubmitError(w, id, err)
		return
	}
	h.logger.Info("operator event applied", "incident_id", id, "event", req.Type, "actor", req.Actor, "state", state)
	h.writeJSON(w, http.StatusOK, map[string]string{"incident_id": id, "status": string(state)})
}

// HandleDeadLetters handles GET /dead-letters.
func (h *Handler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		h.writeError(w, http.StatusNotImplemented, "not_available", "dead-letter listing is not configured")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	dls, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list dead letters")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": dls,
		"total":        len(dls),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "incident not found")
		return
	}
	h.logger.Error(msg, "error", err)
	h.writeError(w, http.StatusInternalServerError, "store_error", msg)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "incident not found")
	case errors.Is(err, workflow.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", apierrors.SafeMessage(err))
	case recovery.Classify(err) == recovery.KindValidation:
		h.writeError(w, http.StatusBadRequest, "invalid_request", apierrors.SafeMessage(err))
	default:
		h.logger.Error("operator request failed", "incident_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "submit_error", "failed to apply event")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
