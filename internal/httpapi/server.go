// Package httpapi exposes the asynchronous export/import surface over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/process"
)

// DefaultMaxUploadBytes caps uploaded import packages.
const DefaultMaxUploadBytes int64 = 1 << 30

// Options configures a Server.
type Options struct {
	// ForwardedHeaders are consulted in order when resolving the client
	// address, e.g. X-Forwarded-For. Empty means RemoteAddr only.
	ForwardedHeaders []string
	MaxUploadBytes   int64
	Logger           *zap.Logger
}

// Server serves the process API.
type Server struct {
	launcher  *process.Launcher
	headers   []string
	maxUpload int64
	log       *zap.Logger
}

// New creates a server backed by launcher.
func New(launcher *process.Launcher, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Server{
		launcher:  launcher,
		headers:   append([]string(nil), opts.ForwardedHeaders...),
		maxUpload: maxUpload,
		log:       log.Named("http"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Head("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/exports", s.handleSubmitExport)
		r.Post("/imports", s.handleSubmitImport)
		r.Get("/processes/{id}", s.handleStatus)
		r.Delete("/processes/{id}", s.handleCancel)
		r.Get("/processes/{id}/download", s.handleDownload)
		r.Get("/processes/{id}/results", s.handleResults)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
