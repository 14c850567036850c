// Package control hosts the process's health/readiness/metrics surface,
// kept on its own listen address and separate from the wire server so a
// load balancer or orchestrator can probe it without going anywhere near
// the WebSocket upgrade path.
package control

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypertekorg/hyperstack/internal/logging"
)

// Config holds the control plane's runtime-tunable knobs.
type Config struct {
	ListenAddr string
}

// Service serves /healthz, /readyz, and /metrics on their own listen
// address. It implements internal/system.Service.
type Service struct {
	cfg     Config
	log     *logging.Logger
	handler http.Handler
	ready   int32 // atomic bool; 0 until SetReady(true)

	httpServer *http.Server
}

// New builds a Service. gatherer is the registry /metrics scrapes;
// pass prometheus.DefaultGatherer unless a test built its own registry.
func New(cfg Config, gatherer prometheus.Gatherer, log *logging.Logger) *Service {
	if log == nil {
		log = logging.New(logging.Config{Level: "info", Component: "control"})
	}
	s := &Service{cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.handler = r

	return s
}

// SetReady flips readiness. The entrypoint calls this once the engine and
// this service have started successfully.
func (s *Service) SetReady(ready bool) {
	var v int32
	if ready {
		v = 1
	}
	atomic.StoreInt32(&s.ready, v)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.ready) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Service) Name() string { return "control" }

func (s *Service) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithContext(ctx).WithError(err).Error("control server listen failed")
		}
	}()
	// Readiness stays off until the entrypoint calls SetReady(true), which
	// it does after the engine's services have started.
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
