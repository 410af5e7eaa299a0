package server

import (
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestID tags each request with an ID, echoed in the response and
// attached to log entries made with the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(requestIDHeader, id)

		ctx := logging.WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)

		log.WithContext(ctx).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("request")
		next.ServeHTTP(w, r)
	})
}
