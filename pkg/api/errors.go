package api

import (
	"encoding/json"
	"net/http"

	"github.com/hivelabs/hive/pkg/scheduler"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusOf maps scheduler error kinds onto HTTP statuses. Conflicts are 400
// with an explicit reason; contention is 409 so callers know a retry may
// help; transient store failures are 503.
func statusOf(err error) int {
	switch scheduler.KindOf(err) {
	case scheduler.KindValidation, scheduler.KindConflict:
		return http.StatusBadRequest
	case scheduler.KindNotFound:
		return http.StatusNotFound
	case scheduler.KindContention:
		return http.StatusConflict
	case scheduler.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{
		Error:  scheduler.KindOf(err).String(),
		Reason: err.Error(),
	})
}

func writeErrorf(w http.ResponseWriter, status int, kind, reason string) {
	writeJSON(w, status, errorBody{Error: kind, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
