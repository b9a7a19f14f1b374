package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/taskgate/pkg/models"
)

// ResumeSuccessRequest is the wire form of ResolveSuccess
type ResumeSuccessRequest struct {
	Handle string          `json:"handle"`
	Output json.RawMessage `json:"output"`
}

// ResumeFailureRequest is the wire form of ResolveFailure
type ResumeFailureRequest struct {
	Handle string `json:"handle"`
	Error  string `json:"error"`
	Cause  string `json:"cause"`
}

// StartRequest starts a local execution
type StartRequest struct {
	CorrelationKey string `json:"correlationKey"`
	TTLSeconds     int64  `json:"ttlSeconds,omitempty"`
}

// RegisterRoutes exposes the local engine over HTTP so a Client in another
// process can resume its executions
func (l *Local) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/executions", l.startHandler).Methods("POST")
	r.HandleFunc("/executions", l.listHandler).Methods("GET")
	r.HandleFunc("/executions/resume/success", l.resumeSuccessHandler).Methods("POST")
	r.HandleFunc("/executions/resume/failure", l.resumeFailureHandler).Methods("POST")
	r.HandleFunc("/executions/{id}", l.getHandler).Methods("GET")
	r.HandleFunc("/executions/{id}/cancel", l.cancelHandler).Methods("POST")
}

func (l *Local) startHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CorrelationKey == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: correlationKey")
		return
	}

	exec, err := l.Start(r.Context(), req.CorrelationKey, models.TTLFromSeconds(req.TTLSeconds))
	if err != nil {
		status := http.StatusInternalServerError
		var sc interface{ HTTPStatus() int }
		if errors.As(err, &sc) {
			status = sc.HTTPStatus()
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (l *Local) listHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, l.List())
}

func (l *Local) getHandler(w http.ResponseWriter, r *http.Request) {
	exec, err := l.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (l *Local) cancelHandler(w http.ResponseWriter, r *http.Request) {
	err := l.Cancel(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (l *Local) resumeSuccessHandler(w http.ResponseWriter, r *http.Request) {
	var req ResumeSuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: handle")
		return
	}
	writeResumeResult(w, l.ResolveSuccess(r.Context(), req.Handle, req.Output))
}

func (l *Local) resumeFailureHandler(w http.ResponseWriter, r *http.Request) {
	var req ResumeFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: handle")
		return
	}
	writeResumeResult(w, l.ResolveFailure(r.Context(), req.Handle, req.Error, req.Cause))
}

func writeResumeResult(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownHandle):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
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
