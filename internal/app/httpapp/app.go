package httpapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"ChatAssistant/internal/config"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	log    *slog.Logger
	server *http.Server
}

func New(log *slog.Logger, cfg config.HTTPServer, handler http.Handler) *App {
	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		log:    log,
		server: server,
	}
}

// MustRun starts the server or panics.
func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	l, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return a.Serve(l)
}

// Serve blocks until Stop. A server closed by Stop is not an error.
func (a *App) Serve(l net.Listener) error {
	const op = "httpapp.Serve"

	a.log.Info("starting HTTP server", slog.String("addr", l.Addr().String()))

	if err := a.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stop gracefully shuts the server down.
func (a *App) Stop() error {
	const op = "httpapp.Stop"

	a.log.Info("stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("HTTP server stopped")
	return nil
}
