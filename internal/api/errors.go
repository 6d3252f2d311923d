package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/LeventeLantos/school-billing/internal/service"
)

type errorBody struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Fields  []service.FieldError `json:"fields,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrDebtNotFound, http.StatusNotFound, "debt_not_found"},
	{service.ErrDebtAlreadyPaid, http.StatusConflict, "debt_already_paid"},
	{service.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{service.ErrDebtMismatch, http.StatusUnprocessableEntity, "debt_mismatch"},
	{service.ErrReferenceNotFound, http.StatusNotFound, "reference_not_found"},
	{service.ErrReconciliationConflict, http.StatusConflict, "reconciliation_conflict"},
	{service.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{service.ErrRunNotFound, http.StatusNotFound, "run_not_found"},
}

func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorBody{
			Code:    "validation_failed",
			Message: verr.Error(),
			Fields:  verr.Fields,
		}})
		return
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			writeJSON(w, c.status, map[string]any{"error": errorBody{Code: c.code, Message: err.Error()}})
			return
		}
	}

	log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody{
		Code:    "internal",
		Message: "internal error",
	}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorBody{
		Code:    "validation_failed",
		Message: message,
	}})
}
