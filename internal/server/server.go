package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/quota"
	"github.com/ondralukes/sfshr/internal/storage"
	"go.uber.org/zap"
)

// Server is the relay's TCP acceptor, tying together the worker pool,
// the reaper, and the optional Prometheus endpoint.
type Server struct {
	cfg   *config.Config
	quota *quota.Accountant

	listener   net.Listener
	pool       *Pool
	reaper     *Reaper
	metricsSrv *http.Server

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New prepares a Server using cfg for its storage and sizing policy.
// It does not bind or listen; Start does that for a given address.
func New(cfg *config.Config) (*Server, error) {
	if err := storage.EnsureDir(cfg.UploadsDir); err != nil {
		return nil, fmt.Errorf("server: create uploads dir: %w", err)
	}

	q := quota.New(cfg.MaxTotalSize, scanExistingReservation(cfg))
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:            cfg,
		quota:          q,
		reaper:         NewReaper(cfg, q),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}, nil
}

// Start binds addr, launches the worker pool and reaper, and begins
// accepting connections in the background. metricsAddr may be empty to
// disable the /metrics HTTP endpoint.
func (s *Server) Start(addr, metricsAddr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln

	s.pool = NewPool(int(s.cfg.ThreadCount), &WorkerEnv{Config: s.cfg, Quota: s.quota})

	go s.reaper.Run(s.shutdownCtx)
	go s.acceptLoop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Warn("metrics server error", zap.Error(err))
			}
		}()
		logging.Info("metrics endpoint listening", zap.String("addr", metricsAddr))
	}

	logging.Info("relay listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, useful in tests that bind
// to ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCtx.Done():
				return
			default:
				logging.Warn("accept error", zap.Error(err))
				continue
			}
		}
		s.pool.Accept(conn)
	}
}

// Shutdown stops accepting new connections, terminates every worker
// (which aborts any in-flight uploads), stops the reaper, and closes
// the optional metrics endpoint.
func (s *Server) Shutdown() error {
	s.shutdownCancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.pool != nil {
		s.pool.Shutdown()
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.metricsSrv.Shutdown(ctx)
	}
	return nil
}
