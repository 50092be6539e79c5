// Package gateway is the protocol server: a WebSocket control plane that
// authenticates clients, accepts chat requests, and broadcasts run events,
// orchestrating the router, admission controller, and both backends.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthd/hearth/internal/admission"
	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/heavy"
	"github.com/hearthd/hearth/internal/light"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/router"
	"github.com/hearthd/hearth/internal/sessions"
	"github.com/hearthd/hearth/internal/tools"
)

// Server wires the gateway together and owns its HTTP listeners.
type Server struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry

	store      *sessions.Store
	router     *router.Router
	admission  *admission.Controller
	dispatcher *dispatcher
	hub        *hub

	upgrader  websocket.Upgrader
	version   string
	startTime time.Time

	httpServer    *http.Server
	metricsServer *http.Server
}

// New builds a fully wired Server from configuration.
func New(cfg *config.Config, logger *observability.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		version:  version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// The gateway binds to loopback; origin checks add nothing.
				return true
			},
		},
		startTime: time.Now(),
	}

	srv.store = sessions.NewStore(sessions.Options{
		TTL:      cfg.Session.TTL,
		MaxTurns: cfg.Session.MaxTurns,
		OnCount:  func(n int) { metrics.ActiveSessions.Set(float64(n)) },
	})

	invoker := heavy.NewInvoker(cfg.Heavy, logger, metrics)
	lightClient, err := light.NewClient(cfg.Light, logger)
	if err != nil {
		return nil, fmt.Errorf("light backend: %w", err)
	}
	toolbox := tools.NewRegistry(cfg.Tools, logger)
	loop := agent.NewLoop(lightClient, toolbox, cfg.Loop, logger, metrics)

	srv.router = router.New(router.Options{
		Threshold:    cfg.Router.Threshold,
		ProbeTTL:     cfg.Router.ProbeTTL,
		ProbeTimeout: cfg.Router.ProbeTimeout,
		HeavyProbe:   invoker.Probe,
		LightProbe:   lightClient.Probe,
		Logger:       logger,
		Metrics:      metrics,
	})

	srv.admission = admission.New(cfg.Admission.MaxConcurrent)
	srv.admission.SetObserver(func(active, waiting int) {
		metrics.AdmissionActive.Set(float64(active))
		metrics.AdmissionWaiting.Set(float64(waiting))
	})

	srv.hub = newHub(metrics)
	srv.dispatcher = newDispatcher(cfg, logger, metrics, srv.store, srv.router, srv.admission, invoker, loop, srv.hub)
	return srv, nil
}

// Run starts the WebSocket and metrics listeners and blocks until ctx is
// cancelled, then shuts down cleanly.
func (srv *Server) Run(ctx context.Context) error {
	srv.store.StartSweeper(ctx, srv.cfg.Session.SweepInterval)

	addr := net.JoinHostPort(srv.cfg.Server.Host, strconv.Itoa(srv.cfg.Server.Port))
	mux := http.NewServeMux()
	mux.Handle("/ws", srv.wsHandler())
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsAddr := net.JoinHostPort(srv.cfg.Server.Host, strconv.Itoa(srv.cfg.Server.MetricsPort))
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	srv.metricsServer = &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		srv.logger.Info(ctx, "gateway listening", "addr", addr)
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		srv.logger.Info(ctx, "metrics listening", "addr", metricsAddr)
		if err := srv.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		srv.shutdown()
		return err
	case <-ctx.Done():
		srv.shutdown()
		return nil
	}
}

func (srv *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv.httpServer != nil {
		_ = srv.httpServer.Shutdown(shutdownCtx)
	}
	if srv.metricsServer != nil {
		_ = srv.metricsServer.Shutdown(shutdownCtx)
	}
	srv.dispatcher.Wait()
}

// wsHandler upgrades HTTP requests and runs the per-connection loops.
func (srv *Server) wsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := srv.newSession(conn)
		session.run()
	})
}

// healthSnapshot is the payload for the health method.
func (srv *Server) healthSnapshot(ctx context.Context) map[string]any {
	heavyUp, lightUp := srv.router.Availability(ctx)
	return map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(srv.startTime).Milliseconds(),
		"backends": map[string]any{
			"heavy": map[string]any{"available": heavyUp},
			"light": map[string]any{"available": lightUp},
		},
		"sessions": srv.store.Len(),
		"admission": map[string]any{
			"active":  srv.admission.Active(),
			"waiting": srv.admission.Waiting(),
			"max":     srv.cfg.Admission.MaxConcurrent,
		},
		"connections": srv.hub.count(),
	}
}
