package server

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// initialCheckDelay lets the service settle before the first scheduled
// check.
const initialCheckDelay = 30 * time.Second

// runScheduler checks for updates every update.checkInterval and starts
// one when update.autoUpdate is set. The configuration is re-read on every
// tick so changes apply without a restart.
func (s *Server) runScheduler(ctx context.Context) {
	timer := s.clock.NewTimer(initialCheckDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		cfg := s.cfg.Load()
		if cfg.Update.Enabled {
			s.scheduledCheck(ctx)
		} else {
			log.Debug("scheduled update check skipped: updates disabled")
		}
		timer.Reset(cfg.Update.CheckInterval)
	}
}

func (s *Server) scheduledCheck(ctx context.Context) {
	cfg := s.cfg.Load()
	if !cfg.Update.AutoUpdate {
		result := s.check(ctx)
		if result.UpdateAvailable {
			log.Infof("update available: %s -> %s", result.LocalVersion, result.RemoteVersion)
		}
		return
	}

	result, apiErr := s.startUpdate(ctx, cfg)
	if apiErr != nil {
		entry := log.WithField("code", apiErr.resp.Code)
		if apiErr.status >= http.StatusInternalServerError || apiErr.status == http.StatusTooManyRequests {
			entry.Warnf("automatic update not started: %s", apiErr.resp.Message)
		} else {
			entry.Debugf("automatic update not started: %s", apiErr.resp.Message)
		}
		return
	}
	log.Infof("automatic update to %s started", result.RemoteVersion)
}
