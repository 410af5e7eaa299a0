// Package guard rejects abusive or malformed requests before they reach the
// update handlers.
package guard

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/httputil"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second

	// MaxUserAgentLength is the exclusive upper bound on User-Agent length.
	MaxUserAgentLength = 500
	// UpdateBodyLimit caps request bodies on update endpoints.
	UpdateBodyLimit = 1 << 10
	// PreferencesBodyLimit caps request bodies on preference endpoints.
	PreferencesBodyLimit = 10 << 10
)

// Rejection reasons, also used as metric labels.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonUserAgent   = "user_agent"
	ReasonContentType = "content_type"
	ReasonBodySize    = "body_size"
)

// Recorder counts rejected requests.
type Recorder interface {
	RecordRejection(reason string)
}

// Config controls a Guard.
type Config struct {
	Limit    int
	Window   time.Duration
	TestMode bool
}

// Guard holds the per-client limiter and builds the request middlewares.
type Guard struct {
	cfg      Config
	limiter  *Limiter
	recorder Recorder
}

// New creates a guard. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock, rec Recorder) *Guard {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TestMode {
		log.Warn("request guard disabled: test mode is on")
	}
	return &Guard{
		cfg:      cfg,
		limiter:  NewLimiter(cfg.Limit, cfg.Window, clk),
		recorder: rec,
	}
}

// Limiter exposes the underlying limiter.
func (g *Guard) Limiter() *Limiter {
	return g.limiter
}

// RateLimit rejects clients over the sliding window limit.
func (g *Guard) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.TestMode {
			next.ServeHTTP(w, r)
			return
		}

		client := clientIP(r)
		ok, wait := g.limiter.Allow(client)
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			log.WithFields(log.Fields{"client": client, "path": r.URL.Path}).Warn("rate limit exceeded")
			g.reject(ReasonRateLimit)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			httputil.WriteError(w, http.StatusTooManyRequests, httputil.ErrorResponse{
				Code:       "RATE_LIMIT_EXCEEDED",
				Message:    "Too many requests, please try again later",
				Hints:      []string{fmt.Sprintf("Wait %d seconds before retrying", seconds)},
				Retryable:  true,
				RetryAfter: seconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Headers requires a reasonable User-Agent.
func (g *Guard) Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.TestMode {
			next.ServeHTTP(w, r)
			return
		}

		ua := r.Header.Get("User-Agent")
		if ua == "" || len(ua) >= MaxUserAgentLength {
			g.reject(ReasonUserAgent)
			httputil.WriteError(w, http.StatusBadRequest, httputil.ErrorResponse{
				Code:    "INVALID_HEADERS",
				Message: "Request headers are missing or invalid",
				Hints:   []string{"Send a User-Agent header shorter than 500 characters"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Body returns a middleware that requires a Content-Type on requests that
// carry a body and caps the body at limit bytes.
func (g *Guard) Body(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.cfg.TestMode || !hasBody(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength != 0 || r.Header.Get("Transfer-Encoding") != "" {
				if strings.TrimSpace(r.Header.Get("Content-Type")) == "" {
					g.reject(ReasonContentType)
					httputil.WriteError(w, http.StatusUnsupportedMediaType, httputil.ErrorResponse{
						Code:    "MISSING_CONTENT_TYPE",
						Message: "Content-Type header is required",
						Hints:   []string{"Send Content-Type: application/json"},
					})
					return
				}
			}

			if r.ContentLength > limit {
				g.reject(ReasonBodySize)
				httputil.WriteError(w, http.StatusRequestEntityTooLarge, httputil.ErrorResponse{
					Code:    "PAYLOAD_TOO_LARGE",
					Message: fmt.Sprintf("Request body exceeds %d bytes", limit),
				})
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) reject(reason string) {
	if g.recorder != nil {
		g.recorder.RecordRejection(reason)
	}
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// clientIP extracts the client IP address from the request.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
