package api

import (
	"context"
	"encoding/json"
	"net/http"

	xerrors "AccountGuard/internal/errors"
)

// statusByCode maps domain error codes onto HTTP statuses. Codes not
// listed here fall back to their base category, then to 500.
var statusByCode = map[xerrors.Code]int{
	"ACCOUNT_NOT_FOUND":          http.StatusNotFound,
	"ACTION_NOT_FOUND":           http.StatusNotFound,
	"SECOND_FACTOR_NOT_FOUND":    http.StatusNotFound,
	"GUARDIAN_NOT_FOUND":         http.StatusNotFound,
	"RECOVERY_REQUEST_NOT_FOUND": http.StatusNotFound,
	"HOOK_NOT_FOUND":             http.StatusNotFound,
	"HOOK_NOT_REGISTERED":        http.StatusNotFound,
	"MODULE_NOT_INSTALLED":       http.StatusNotFound,
	"ACCOUNT_EXISTS":             http.StatusConflict,
	"DUPLICATE_SECOND_FACTOR":    http.StatusConflict,
	"DUPLICATE_GUARDIAN":         http.StatusConflict,
	"ALREADY_APPROVED":           http.StatusConflict,
	"ALREADY_EXECUTED":           http.StatusConflict,
	"ALREADY_CANCELLED":          http.StatusConflict,
	"MODULE_ALREADY_INSTALLED":   http.StatusConflict,
	"HOOK_ALREADY_PRESENT":       http.StatusConflict,
	"INVALID_SIGNATURE":          http.StatusUnauthorized,
	"SECOND_FACTOR_INACTIVE":     http.StatusUnauthorized,
	"MFA_FORMAT_REQUIRED":        http.StatusUnauthorized,
	"NOT_A_GUARDIAN":             http.StatusForbidden,
	"MANAGER_REQUIRED":           http.StatusForbidden,
	"HOOK_VETO":                  http.StatusForbidden,
	"TIMELOCK_PENDING":           http.StatusConflict,
	"THRESHOLD_NOT_MET":          http.StatusConflict,
	"LAST_ACTIVE_FACTOR":         http.StatusConflict,
	"NO_ACTIVE_FACTOR":           http.StatusConflict,
	"INVALID_THRESHOLD":          http.StatusBadRequest,
	"EMPTY_RECOVERY_PARAMS":      http.StatusBadRequest,
	"MALFORMED_SIGNATURE":        http.StatusBadRequest,
	"MALFORMED_ASSERTION":        http.StatusBadRequest,
}

var statusByBase = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument: http.StatusBadRequest,
	xerrors.CodeNotFound:        http.StatusNotFound,
	xerrors.CodeConflict:        http.StatusConflict,
	xerrors.CodeUnauthorized:    http.StatusUnauthorized,
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		if status, ok = statusByBase[code]; !ok {
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext makes request handling aware of root context cancellation.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
