package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/iolta-ledger/internal/security"
	"github.com/example/iolta-ledger/internal/trust"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTrustError maps the engine's typed errors onto the API's status
// codes. Unknown errors are reported as 500 without leaking detail.
func writeTrustError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case trust.IsValidation(err):
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case trust.IsInsufficientFunds(err):
		security.WriteJSONErrorDetail(w, r, http.StatusUnprocessableEntity, "insufficient_funds", err.Error())
	case trust.IsInvalidState(err):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "invalid_state", err.Error())
	case trust.IsAuthorization(err):
		security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
	case trust.IsNotFound(err):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
