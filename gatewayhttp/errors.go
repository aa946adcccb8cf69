package gatewayhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ggoodman/shv-http-gateway/sessions"
	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code     int    `json:"code"`
	Detail   string `json:"detail"`
	ShvError string `json:"shv_error,omitempty"`
}

// writeJSONError emits an error body. Safe to call before the status has
// been written only.
func writeJSONError(w http.ResponseWriter, status int, detail string) {
	writeErrorBody(w, errorBody{Code: status, Detail: detail})
}

func writeErrorBody(w http.ResponseWriter, body errorBody) {
	if body.Detail == "" {
		body.Detail = "Unspecified reason"
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeCallError maps a failed method call to a 500 carrying the backend
// error tag.
func writeCallError(w http.ResponseWriter, err error) {
	body := errorBody{Code: http.StatusInternalServerError, Detail: err.Error()}
	var ce *shvrpc.CallError
	if errors.As(err, &ce) {
		body.ShvError = ce.Tag()
	}
	writeErrorBody(w, body)
}

// loginStatus maps a login failure to its status and detail.
func loginStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sessions.ErrBadCredentials):
		return http.StatusUnauthorized, "Bad credentials"
	case errors.Is(err, sessions.ErrSessionLimit):
		return http.StatusForbidden, "Maximum number of sessions for the user exceeded"
	case errors.Is(err, sessions.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable, "Connection to the broker failed"
	case errors.Is(err, sessions.ErrClosed):
		return http.StatusServiceUnavailable, "Server is shutting down"
	default:
		return http.StatusInternalServerError, "Client task failure"
	}
}
