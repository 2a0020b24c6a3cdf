package server

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Server encapsulates the HTTP server of the application, providing controlled startup and shutdown.
type Server struct {
	server *http.Server
}

// ListenAndServe starts the HTTP server and blocks until it stops.
// After Shutdown it returns http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, letting active connections finish
// within the deadline of ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// NewServer creates a server listening on address with the routes of router.
// Reads and writes time out and header size is limited.
func NewServer(address string, router *ApiV1Router) *Server {
	s := Server{&http.Server{
		Addr:           address,
		Handler:        router.Mux(),
		ReadTimeout:    time.Second * 3,
		WriteTimeout:   time.Second * 3,
		MaxHeaderBytes: 1024 * 10,
	}}

	return &s
}

// Reloader calls a reload function whenever a watched file is written or
// replaced. Bursts of events are coalesced.
type Reloader struct {
	path     string
	reload   func(context.Context) error
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

// NewReloader watches the directory of path, since atomic saves replace the
// file rather than write to it.
func NewReloader(path string, reload func(context.Context) error, debounce time.Duration, logger *slog.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		path:     path,
		reload:   reload,
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Run handles file events until ctx is done, then closes the watcher.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(r.debounce)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Watcher error", "error", err)
		case <-timer.C:
			if err := r.reload(ctx); err != nil {
				r.logger.Error("Reload failed", "path", r.path, "error", err)
				continue
			}
			r.logger.Info("Reloaded", "path", r.path)
		}
	}
}
