package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
)

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        int    `json:"error_code,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, desc string, errCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rid := w.Header().Get("X-Request-ID")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:            code,
		ErrorDescription: desc,
		ErrorCode:        errCode,
		RequestID:        rid,
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError traduce los errores sentinela del repositorio a HTTP.
// Los errores de infraestructura no exponen el detalle.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error(), 1404)
	case repository.IsValidation(err):
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), 1400)
	case errors.Is(err, repository.ErrConflict):
		WriteError(w, http.StatusConflict, "conflict", err.Error(), 1409)
	case errors.Is(err, repository.ErrInvalidState):
		WriteError(w, http.StatusConflict, "invalid_state", err.Error(), 1410)
	default:
		logger.From(r.Context()).Error("request failed", logger.Err(err), logger.String("path", r.URL.Path))
		WriteError(w, http.StatusInternalServerError, "internal_error", "error interno", 1500)
	}
}
