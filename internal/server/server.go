package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"brm-buddy/internal/api"
	"brm-buddy/internal/config"
	"brm-buddy/internal/runner"
	"brm-buddy/internal/static"
	"brm-buddy/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Drainer is an executor that can stop its running commands. *runner.Runner
// implements it.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

type Server struct {
	Engine  *gin.Engine
	Console *websocket.Console

	cfg      *config.Config
	http     *http.Server
	commands Drainer // nil when the executor cannot be drained
	logger   *zap.Logger
}

// NewServer builds the console server from cfg. exec runs the collaborator
// scripts; pass nil to use a runner configured from cfg.
func NewServer(cfg *config.Config, exec api.Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = runner.New(cfg.CommandTimeout, cfg.CommandKillGrace, logger.Named("runner"))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// paths are dispatched literally: "/run_sql/" is not "/run_sql"
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(gin.Recovery(), api.RequestLogger(logger.Named("http")))

	h := api.NewHandler(cfg, exec, logger.Named("api"))
	console := websocket.NewConsole(h.Dispatch, cfg.MaxBodyBytes, logger.Named("console"))
	files := static.New(cfg.PublicRoot, cfg.StaticMount, cfg.DefaultDocument, logger.Named("static"))
	RegisterRoutes(r, h, console, gzhttp.GzipHandler(files))

	s := &Server{
		Engine:  r,
		Console: console,
		cfg:     cfg,
		logger:  logger,
		http: &http.Server{
			Addr:    cfg.Addr(),
			Handler: r,
		},
	}
	if d, ok := exec.(Drainer); ok {
		s.commands = d
	}
	s.http.RegisterOnShutdown(console.Close)
	return s
}

// Run serves on the configured port until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It returns once the HTTP server has
// stopped and every collaborator command it started has been reaped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	port := s.cfg.Port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	s.logger.Sugar().Infof("Serving HTTP on port %d ...", port)
	s.logger.Sugar().Infof("Access the application at http://localhost:%d/", port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server died: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		// requests still running past the deadline: closing their
		// connections cancels their commands
		s.logger.Warn("graceful shutdown incomplete", zap.Error(err))
		s.http.Close()
	}

	if s.commands != nil {
		// collaborators run in their own process groups, so a terminal
		// Ctrl+C never reaches them
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandKillGrace)
		defer cancel()
		if err := s.commands.Shutdown(drainCtx); err != nil {
			s.logger.Warn("collaborator commands killed", zap.Error(err))
		}
	}
	s.logger.Info("Server stopped.")
	return nil
}
