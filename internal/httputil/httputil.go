// Package httputil writes JSON responses in the shape every kioskd endpoint
// shares.
package httputil

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed request. Details is only
// filled when diagnostic output is enabled.
type ErrorResponse struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    string   `json:"details,omitempty"`
	Hints      []string `json:"hints"`
	Retryable  bool     `json:"retryable"`
	RetryAfter int      `json:"retryAfter,omitempty"`
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
}

// WriteJSON writes obj with the given status code.
func WriteJSON(w http.ResponseWriter, status int, obj interface{}) {
	setHeaders(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}

// WriteError writes resp with the given status code.
func WriteError(w http.ResponseWriter, status int, resp ErrorResponse) {
	if resp.Hints == nil {
		resp.Hints = []string{}
	}
	WriteJSON(w, status, resp)
}
