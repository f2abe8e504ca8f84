package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorStatus maps a domain error to a status and a client-safe message.
// Only validation messages are echoed; they never carry secrets.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrUnsupportedBroker):
		return http.StatusBadRequest, "unsupported broker"
	case errors.Is(err, errs.ErrCredentialsRequired):
		return http.StatusBadRequest, "save broker api credentials first"
	case errors.Is(err, errs.ErrInvalidState):
		return http.StatusBadRequest, "authorization session is invalid or expired; try connecting again"
	case errors.Is(err, errs.ErrVerifierRejected):
		return http.StatusBadRequest, "broker rejected the verification code; try again"
	case errors.Is(err, errs.ErrCodeExchange):
		return http.StatusBadRequest, "broker rejected the authorization; try again"
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrReauthRequired):
		return http.StatusConflict, "reconnect required"
	case errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict, "connection is not in a state that allows this"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "too many failed attempts; try again later"
	case errors.Is(err, errs.ErrBrokerUnavailable):
		return http.StatusBadGateway, "broker unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
