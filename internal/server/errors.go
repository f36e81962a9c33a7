package server

import (
	"HedgeLedger/internal/errs"
	"encoding/json"
	"net/http"
)

// statusFor maps an error kind to the HTTP status returned to callers.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInsufficientAvailableBalance,
		errs.KindInsufficientLockedBalance,
		errs.KindInsufficientCollateral,
		errs.KindAccountBusy:
		return http.StatusConflict
	case errs.KindPriceFeedUnavailable, errs.KindRemoteCallReverted:
		return http.StatusBadGateway
	case errs.KindRemoteCallTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

type errorResponse struct {
	Error  errorBody   `json:"error"`
	Result interface{} `json:"result,omitempty"`
}

// writeError renders err; result, when non-nil, carries the partial outcome
// (a receipt or pipeline output) so callers see what happened before the
// failure.
func writeError(w http.ResponseWriter, err error, result interface{}) int {
	status := statusFor(err)
	kind := errs.KindOf(err)
	msg := errs.Message(err)
	if kind == errs.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:  errorBody{Kind: kind, Message: msg},
		Result: result,
	})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
