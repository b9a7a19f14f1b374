package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/taskgate/pkg/coordinator"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/middleware"
	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/ratelimit"
	"github.com/psantana5/taskgate/pkg/services"
)

// Handler serves the coordinator API
type Handler struct {
	registrar *coordinator.Registrar
	resolver  *coordinator.Resolver
	services  *services.Services
	limiter   *ratelimit.Limiter
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates a new coordinator handler
func NewHandler(registrar *coordinator.Registrar, resolver *coordinator.Resolver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		registrar: registrar,
		resolver:  resolver,
		logger:    logger.WithField("component", "api"),
		now:       time.Now,
	}
}

// SetServices enables the simulated downstream service routes
func (h *Handler) SetServices(s *services.Services) {
	h.services = s
}

// SetRateLimiter limits the callback route per client address
func (h *Handler) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// RegisterRoutes registers the coordinator routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/suspensions", h.RegisterSuspension).Methods("POST")
	r.HandleFunc("/suspensions/{key}", h.GetSuspension).Methods("GET")
	r.HandleFunc("/suspensions/{key}", h.CancelSuspension).Methods("DELETE")

	var callback http.Handler = http.HandlerFunc(h.Callback)
	if h.limiter != nil {
		callback = h.limiter.Middleware(ratelimit.IPKeyFunc)(callback)
	}
	r.Handle("/callback", callback).Methods("POST")

	r.HandleFunc("/stats", h.Stats).Methods("GET")
}

// RegisterServiceRoutes registers the simulated downstream services. They
// carry their own bearer contract and sit outside the API key check.
func (h *Handler) RegisterServiceRoutes(r *mux.Router) {
	r.HandleFunc("/{name}", h.InvokeService).Methods("POST")
}

// RegisterSuspension records a suspension sent by the engine
func (h *Handler) RegisterSuspension(w http.ResponseWriter, r *http.Request) {
	var req models.SuspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.registrar.Register(r.Context(), coordinator.RegisterRequest{
		CorrelationKey:   req.CorrelationKey,
		ResumptionHandle: req.ResumptionHandle,
		ExecutionRef:     req.ExecutionRef,
		TTL:              req.TTL(),
	})
	if err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec.View(h.now()))
}

// GetSuspension returns the redacted live suspension for a key
func (h *Handler) GetSuspension(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registrar.Lookup(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View(h.now()))
}

// CancelSuspension withdraws a suspension. Absent keys succeed.
func (h *Handler) CancelSuspension(w http.ResponseWriter, r *http.Request) {
	if err := h.registrar.Cancel(r.Context(), mux.Vars(r)["key"]); err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Callback resolves the suspension named in the actor's report
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req models.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats reports store occupancy
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registrar.Stats(r.Context())
	if err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// InvokeService runs one of the simulated downstream services
func (h *Handler) InvokeService(w http.ResponseWriter, r *http.Request) {
	if h.services == nil {
		writeError(w, http.StatusNotFound, "Services are not enabled")
		return
	}
	name := mux.Vars(r)["name"]

	var req services.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request", "message": "Invalid request body"})
		return
	}

	resp, err := h.services.Invoke(r.Context(), name, r.Header.Get("Authorization"), &req)
	var se *services.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, services.ErrUnknownService):
		writeError(w, http.StatusNotFound, "Unknown service: "+name)
	case errors.As(err, &se):
		writeJSON(w, se.HTTPStatus(), se)
	default:
		h.logger.Error("Service invocation failed", logging.Fields{
			"service":    name,
			"request_id": middleware.GetRequestID(r),
			"error":      err,
		})
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     "Internal Server Error",
			"message":   err.Error(),
			"timestamp": h.now().UTC(),
		})
	}
}

// Health returns the health status of the coordinator
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.registrar.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeCoordinatorError maps a coordinator error onto its response.
// Not-found answers carry guidance; internal failures never leak their
// cause beyond the message.
func (h *Handler) writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *coordinator.Error
	if !errors.As(err, &ce) {
		ce = &coordinator.Error{Kind: coordinator.KindInternal, Message: "Unexpected error", Err: err}
	}

	switch ce.Kind {
	case coordinator.KindNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   ce.Message,
			"details": coordinator.NotFoundGuidance,
		})
	case coordinator.KindInternal:
		h.logger.Error("Request failed", logging.Fields{
			"path":            r.URL.Path,
			"request_id":      middleware.GetRequestID(r),
			"correlation_key": ce.CorrelationKey,
			"error":           err,
		})
		details := "Failed to process request"
		if ce.Operation == "resolve" {
			details = "Failed to process callback"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal server error",
			"message": ce.Message,
			"details": details,
		})
	default:
		writeError(w, ce.HTTPStatus(), ce.Message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
