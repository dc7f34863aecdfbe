package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// NewHTTPServer creates the local API server with conservative timeouts.
// A usage refresh can take as long as the pipeline timeout, so writes get
// more room than reads.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdownable is a component stopped after the HTTP server.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a plain function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) Shutdown(ctx context.Context) error { return f(ctx) }

// ShutdownAll stops each component in order, sharing one timeout. It keeps
// going after a failure and returns the first error.
func ShutdownAll(timeout time.Duration, components ...Shutdownable) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var first error
	for _, comp := range components {
		if comp == nil {
			continue
		}
		if err := comp.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
