package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filedrop/filedrop/internal/fs"
	"github.com/filedrop/filedrop/internal/sqlite"
	"github.com/filedrop/filedrop/internal/tempfiles"
)

type Config struct {
	Addr          string        `env:"FILEDROP_ADDR" envDefault:":8080"`
	PublicHost    string        `env:"FILEDROP_PUBLIC_HOST"`
	Protocol      string        `env:"FILEDROP_PROTOCOL" envDefault:"http"`
	DataDir       string        `env:"FILEDROP_DATA_DIR,required"`
	DBPath        string        `env:"FILEDROP_DB_PATH,required"`
	DefaultTTL    time.Duration `env:"FILEDROP_DEFAULT_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"FILEDROP_SWEEP_INTERVAL" envDefault:"1h"`
	AdminToken    string        `env:"FILEDROP_ADMIN_TOKEN,required"`
	MaxSize       int64         `env:"FILEDROP_MAX_SIZE" envDefault:"104857600"`
}

// Server wires the registry, blob store, lifecycle service and HTTP
// surface together.
type Server struct {
	httpServer *http.Server
	repo       *sqlite.Repository
	svc        *tempfiles.Service
	urls       *tempfiles.URLBuilder
	sweeper    *tempfiles.Sweeper
	maxSize    int64
	logger     *slog.Logger
}

// Option overrides a default collaborator, used by tests.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock replaces the wall clock, letting tests advance time
// deterministically instead of sleeping.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New builds a Server from configuration. It opens the registry, runs an
// orphan-blob reconciliation pass (the registry is authoritative after a
// crash), and sets up routes; nothing is listening until Run.
func New(cfg *Config, opts ...Option) (*Server, error) {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	storage := fs.NewStorage(cfg.DataDir)
	repo, err := sqlite.NewRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	svc := tempfiles.NewService(repo, storage, o.clock, cfg.DefaultTTL, logger)
	urls := tempfiles.NewURLBuilder(cfg.Protocol, cfg.PublicHost, cfg.Addr)
	sweeper := tempfiles.NewSweeper(svc, cfg.SweepInterval, o.clock, logger)

	if removed, err := svc.ReconcileOrphans(); err != nil {
		logger.Error("orphan reconciliation failed", "error", err)
	} else if removed > 0 {
		logger.Info("orphan reconciliation completed", "removed", removed)
	}

	s := &Server{
		repo:    repo,
		svc:     svc,
		urls:    urls,
		sweeper: sweeper,
		maxSize: cfg.MaxSize,
		logger:  logger,
	}

	router := chi.NewRouter()
	router.Use(metricsMiddleware, loggingMiddleware)

	router.Get("/healthz", healthz)
	router.Handle("/metrics", promhttp.Handler())

	// Public surface: ids are the only addressing mechanism.
	router.Get("/files/{id}", s.downloadFile)
	router.Get("/files/{id}/info", s.fileInfo)
	router.Post("/cleanup", s.cleanup)

	// Producer surface, bearer-token protected.
	router.Route("/v1/files", func(r chi.Router) {
		r.Use(auth(cfg.AdminToken))
		r.Post("/", s.uploadFile)
		r.Get("/", s.listFiles)
		r.Delete("/{id}", s.deleteFile)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the sweeper and the HTTP server, then blocks until SIGINT
// or SIGTERM and shuts down gracefully.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.sweeper.Start(ctx)
	defer s.sweeper.Stop()
	defer s.repo.Close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}

	return nil
}

// Close releases the server's resources without running. Used by tests;
// Run handles this itself.
func (s *Server) Close() error {
	return s.repo.Close()
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
