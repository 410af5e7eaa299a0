// Package server exposes the update subsystem over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/config"
	"github.com/adamancini/kioskd/internal/guard"
	"github.com/adamancini/kioskd/internal/metrics"
	"github.com/adamancini/kioskd/internal/update"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// ConfigSource returns the effective configuration.
type ConfigSource interface {
	Load() *config.Config
}

// VersionReader returns the installed version.
type VersionReader interface {
	Read() string
}

// Updater starts an update run in the background.
type Updater interface {
	Begin(result *update.CheckResult) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Config   ConfigSource
	Checker  update.Checker
	Versions VersionReader
	Status   *broadcast.Broadcaster
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Server serves the update API, the observer WebSocket and /metrics.
type Server struct {
	cfg      ConfigSource
	checker  update.Checker
	versions VersionReader
	status   *broadcast.Broadcaster
	metrics  *metrics.Metrics
	clock    clock.Clock
	guard    *guard.Guard
	router   *mux.Router
	upgrader websocket.Upgrader

	// trigger serialises the status check and Begin so only one run starts.
	trigger    sync.Mutex
	updater    Updater
	failedRuns atomic.Int32

	mu         sync.Mutex
	httpServer *http.Server
	drained    atomic.Bool

	// observers is cancelled when the server stops to release WebSocket
	// connections, which http.Server.Shutdown does not track. A drain for
	// an update leaves them open so the run stays visible.
	observers      context.Context
	closeObservers context.CancelFunc
}

// New builds the router. The updater is attached later with SetUpdater
// because the orchestrator drains this server.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	cfg := deps.Config.Load()

	s := &Server{
		cfg:      deps.Config,
		checker:  deps.Checker,
		versions: deps.Versions,
		status:   deps.Status,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		guard: guard.New(guard.Config{
			Limit:    guard.DefaultLimit,
			Window:   guard.DefaultWindow,
			TestMode: cfg.Server.TestMode,
		}, deps.Clock, deps.Metrics),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHost,
		},
	}
	s.observers, s.closeObservers = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

// SetUpdater attaches the orchestrator.
func (s *Server) SetUpdater(u Updater) {
	s.trigger.Lock()
	defer s.trigger.Unlock()
	s.updater = u
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestID)
	router.Use(s.metrics.Middleware)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.guard.RateLimit, s.guard.Headers)

	api.HandleFunc("/update/check", s.handleCheck).Methods(http.MethodGet)
	api.Handle("/update/perform", s.guard.Body(guard.UpdateBodyLimit)(http.HandlerFunc(s.handlePerform))).
		Methods(http.MethodPost)
	api.HandleFunc("/update/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	router.Handle("/ws", s.guard.RateLimit(http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(handleNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	return router
}

// ListenAndServe serves on the configured address and runs the update
// scheduler until ctx is done. After a drain for an update it keeps
// waiting, since the orchestrator ends the process.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.cfg.Load()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	go s.runScheduler(schedCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if s.drained.Load() {
			log.Info("server drained for update, waiting for the update to finish")
			<-ctx.Done()
			s.closeObservers()
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeObservers()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("server shutdown: %v", err)
		}
		return nil
	}
}

// Drain stops accepting requests and new observers and waits up to grace
// for in-flight requests. Connected observers stay subscribed until the
// process exits.
func (s *Server) Drain(ctx context.Context, grace time.Duration) error {
	s.drained.Store(true)

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// RecordRun counts finished runs; failed ones count towards the attempt
// ceiling.
func (s *Server) RecordRun(outcome string) {
	if outcome == metrics.RunFailed {
		s.failedRuns.Add(1)
	}
	s.metrics.RecordRun(outcome)
}

// sameHost allows browser connections only from the page the server
// itself served. Non-browser clients send no Origin.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
