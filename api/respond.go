package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"marketflow/dispute"
	"marketflow/escrow"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// mapDomainError translates service errors into HTTP status and code.
func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, dispute.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, dispute.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", err.Error()
	case errors.Is(err, escrow.ErrBadStatus), errors.Is(err, escrow.ErrNotArbitrated):
		return http.StatusConflict, "CONFLICT", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}
