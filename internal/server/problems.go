package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/moogar0880/problems"
)

// writeProblem emits an RFC 7807 body. Detail must already be scrubbed of
// anything operator-internal; 5xx responses always get the generic text.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	prob := problems.NewDetailedProblem(status, detail)
	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(prob)
}

func writeRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
}

func writeServiceUnavailable(w http.ResponseWriter) {
	writeProblem(w, http.StatusInternalServerError, "service unavailable")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
