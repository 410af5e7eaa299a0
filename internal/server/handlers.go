package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/httputil"
	"github.com/adamancini/kioskd/internal/metrics"
	"github.com/adamancini/kioskd/internal/orchestrator"
	"github.com/adamancini/kioskd/internal/types"
	"github.com/adamancini/kioskd/internal/update"
)

// PerformResponse is returned when a run has been started.
type PerformResponse struct {
	Started       bool   `json:"started"`
	TargetVersion string `json:"targetVersion"`
}

// VersionResponse reports the installed version.
type VersionResponse struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// apiError is a failed request: the status code, the body and the cause
// that is only shown when error details are exposed.
type apiError struct {
	status int
	resp   httputil.ErrorResponse
	err    error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.resp.Code, e.err)
	}
	return e.resp.Code
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, apiErr *apiError) {
	resp := apiErr.resp
	if apiErr.err != nil && s.cfg.Load().Server.ExposeErrorDetails {
		resp.Details = apiErr.err.Error()
	}
	log.WithContext(r.Context()).WithFields(log.Fields{
		"code":   resp.Code,
		"status": apiErr.status,
		"path":   r.URL.Path,
	}).Warnf("request failed: %s", resp.Message)
	httputil.WriteError(w, apiErr.status, resp)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.check(r.Context()))
}

func (s *Server) handlePerform(w http.ResponseWriter, r *http.Request) {
	result, apiErr := s.startUpdate(r.Context(), s.cfg.Load())
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, PerformResponse{
		Started:       true,
		TargetVersion: result.RemoteVersion,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.status.Current())
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, VersionResponse{
		Version:  s.versions.Read(),
		Platform: update.Detect().String(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.drained.Load() {
		s.writeError(w, r, &apiError{
			status: http.StatusServiceUnavailable,
			resp: httputil.ErrorResponse{
				Code:      "SERVER_SHUTTING_DOWN",
				Message:   "The service is restarting for an update",
				Hints:     []string{"Reconnect in a few seconds"},
				Retryable: true,
			},
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithContext(r.Context()).Errorf("problem initiating websocket: %v", err)
		return
	}
	broadcast.NewWSObserver(conn).Serve(s.observers, s.status)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteError(w, http.StatusNotFound, httputil.ErrorResponse{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("No route for %s", r.URL.Path),
	})
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteError(w, http.StatusMethodNotAllowed, httputil.ErrorResponse{
		Code:    "METHOD_NOT_ALLOWED",
		Message: fmt.Sprintf("Method %s is not allowed on %s", r.Method, r.URL.Path),
	})
}

// check runs an update check against the installed version and records it.
func (s *Server) check(ctx context.Context) *update.CheckResult {
	result := s.checker.CheckForUpdates(ctx, s.versions.Read())

	switch {
	case result.Error != nil:
		s.metrics.RecordCheck(metrics.CheckError)
	case result.UpdateAvailable:
		s.metrics.RecordCheck(metrics.CheckAvailable)
	default:
		s.metrics.RecordCheck(metrics.CheckCurrent)
	}
	if result.RateLimit != nil {
		s.metrics.RecordRateLimitRemaining(result.RateLimit.Remaining)
	}
	return result
}

// startUpdate checks for an update and, when one exists and nothing is
// running, starts it. The status is updating when it returns nil.
func (s *Server) startUpdate(ctx context.Context, cfg *config.Config) (*update.CheckResult, *apiError) {
	if !cfg.Update.Enabled {
		return nil, &apiError{
			status: http.StatusForbidden,
			resp: httputil.ErrorResponse{
				Code:    "UPDATES_DISABLED",
				Message: "Updates are disabled in the configuration",
				Hints:   []string{"Set update.enabled to true to allow updates"},
			},
		}
	}

	s.trigger.Lock()
	defer s.trigger.Unlock()

	if s.status.Current().Status == types.StateUpdating {
		return nil, &apiError{
			status: http.StatusConflict,
			resp: httputil.ErrorResponse{
				Code:      "UPDATE_IN_PROGRESS",
				Message:   "An update is already in progress",
				Hints:     []string{"Follow progress on /ws or /api/update/status"},
				Retryable: true,
			},
		}
	}

	if failed := int(s.failedRuns.Load()); failed >= cfg.Update.MaxUpdateAttempts {
		return nil, &apiError{
			status: http.StatusTooManyRequests,
			resp: httputil.ErrorResponse{
				Code:    "MAX_ATTEMPTS_EXCEEDED",
				Message: fmt.Sprintf("%d update attempts have failed", failed),
				Hints:   []string{"Check the service logs, fix the cause and restart the service"},
			},
		}
	}

	if s.updater == nil {
		return nil, &apiError{
			status: http.StatusServiceUnavailable,
			resp: httputil.ErrorResponse{
				Code:    "UPDATER_UNAVAILABLE",
				Message: "The updater is not ready",
				Hints:   []string{"Retry once the service has finished starting"},
			},
		}
	}

	result := s.check(ctx)
	if result.Error != nil {
		return nil, &apiError{
			status: http.StatusBadGateway,
			resp: httputil.ErrorResponse{
				Code:      string(result.Error.Code),
				Message:   result.Error.Message,
				Hints:     []string{"Check the network connection and try again"},
				Retryable: result.Error.Retryable,
			},
			err: result.Error,
		}
	}
	if !result.UpdateAvailable {
		return nil, noUpdate(result, nil)
	}

	if err := s.updater.Begin(result); err != nil {
		if errors.Is(err, orchestrator.ErrNoUpdate) {
			return nil, noUpdate(result, err)
		}
		return nil, &apiError{
			status: http.StatusInternalServerError,
			resp: httputil.ErrorResponse{
				Code:    "UPDATE_START_FAILED",
				Message: "The update could not be started",
			},
			err: err,
		}
	}

	log.WithFields(log.Fields{
		"from": result.LocalVersion,
		"to":   result.RemoteVersion,
	}).Info("update started")
	return result, nil
}

func noUpdate(result *update.CheckResult, err error) *apiError {
	message := "No update is available"
	if result != nil && result.Message != "" {
		message = result.Message
	}
	return &apiError{
		status: http.StatusConflict,
		resp: httputil.ErrorResponse{
			Code:    "NO_UPDATE_AVAILABLE",
			Message: message,
		},
		err: err,
	}
}
