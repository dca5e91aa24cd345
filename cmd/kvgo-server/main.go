// Command kvgo-server exposes a kvgo database over HTTP.
//
// Settings come from KVGO_ environment variables and an optional .env
// file; see package config.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/dig"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	container, err := buildContainer()
	if err == nil {
		err = container.Invoke(run)
	}
	if err != nil {
		kvgo.NewTextLogger(slog.LevelInfo).Error("kvgo-server failed", "error", dig.RootCause(err))
		os.Exit(1)
	}
}

func buildContainer() (*dig.Container, error) {
	container := dig.New()
	for _, ctor := range []any{
		loadConfig,
		newLogger,
		openDB,
		NewHandler,
		newServer,
	} {
		if err := container.Provide(ctor); err != nil {
			return nil, err
		}
	}
	return container, nil
}

func loadConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(c config.Config) *kvgo.Logger {
	return c.Logger()
}

func openDB(c config.Config) (*kvgo.DB, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	return kvgo.Open(c.Dir, opts...)
}

func newServer(c config.Config, h *Handler) *http.Server {
	return &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// run serves until SIGINT or SIGTERM and then drains requests before the
// database shuts down.
func run(srv *http.Server, db *kvgo.DB, logger *kvgo.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "dir", db.Dir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.Shutdown(shutdownTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
