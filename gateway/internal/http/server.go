// Package http is the gateway's HTTP surface: the boot decision API, menu
// scripts, the agent channel, the operator API, and artifact streaming.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

const (
	defaultReadTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Logger logr.Logger
	// ReadHeaderTimeout guards against slowloris on the boot path.
	ReadHeaderTimeout time.Duration
	// WriteTimeout is zero by default: artifact streaming to slow PXE
	// clients must not be cut off mid-transfer.
	WriteTimeout time.Duration
}

// Serve runs the HTTP server on addr until ctx is done, then shuts down
// gracefully.
func (c *ServerConfig) Serve(ctx context.Context, addr string, handler http.Handler) error {
	readHeader := c.ReadHeaderTimeout
	if readHeader == 0 {
		readHeader = defaultReadHeaderTimeout
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       defaultReadTimeout,
		ReadHeaderTimeout: readHeader,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logr.ToSlogHandler(c.Logger), slog.LevelError),
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		done <- server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}
