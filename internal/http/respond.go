package httpx

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a plain error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRejection sends an admission rejection with the machine-readable code
// and, when known, a retry hint in both the body and the Retry-After header.
func writeRejection(w http.ResponseWriter, status int, code, message string, retryAfter time.Duration) {
	payload := map[string]any{
		"message": message,
		"error":   code,
	}
	if retryAfter > 0 {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		payload["retryAfterSeconds"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, status, payload)
}
