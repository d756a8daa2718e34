// Package app wires the conversation manager, the HTTP surface and the
// background workers into a running application.
//
// New assembles the pieces, Run serves until the context is cancelled, and
// Shutdown stops the conversation and releases everything in order.
//
// For testing, inject test doubles through the [Conversation] interface and
// functional options such as [WithListener].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aria/internal/config"
	"github.com/MrWong99/aria/internal/conversation"
	"github.com/MrWong99/aria/internal/health"
	"github.com/MrWong99/aria/internal/observe"
)

// Conversation is the part of [conversation.Manager] the application drives.
type Conversation interface {
	StartConversation(ctx context.Context) error
	StopConversation(ctx context.Context) error
	Snapshot() conversation.Snapshot
}

var _ Conversation = (*conversation.Manager)(nil)

// shutdownTimeout bounds the HTTP server's graceful shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// App owns the HTTP server and the background workers.
type App struct {
	cfg     *config.Config
	conv    Conversation
	metrics *observe.Metrics
	scrape  http.Handler

	checkers []health.Checker
	workers  []worker
	listener net.Listener
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

type worker struct {
	name string
	run  func(ctx context.Context) error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance used by the HTTP middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry uses t for the middleware instruments and serves its
// registry on /metrics. Without it /metrics serves the default Prometheus
// gatherer.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics()
		a.scrape = t.Handler()
	}
}

// WithCheckers adds readiness checks served on /readyz.
func WithCheckers(checkers ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, checkers...) }
}

// WithWorker adds a function run alongside the HTTP server. A worker that
// returns a non-nil error stops the application; returning nil only ends
// that worker.
func WithWorker(name string, run func(ctx context.Context) error) Option {
	return func(a *App) { a.workers = append(a.workers, worker{name: name, run: run}) }
}

// WithCloser registers fn to be called during Shutdown after the
// conversation has been stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// WithListener serves HTTP on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around conv. The HTTP surface is enabled when
// cfg.Server.ListenAddr is set or a listener is injected.
func New(cfg *config.Config, conv Conversation, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if conv == nil {
		return nil, errors.New("app: nil conversation")
	}
	a := &App{cfg: cfg, conv: conv}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.handler = a.routes()
	return a, nil
}

// Handler returns the full HTTP handler including middleware.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	api := &api{conv: a.conv}
	api.register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs every worker until ctx is cancelled or one of
// them fails. It returns nil after a cancellation, and the first failure
// otherwise.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if srv, ln, err := a.server(); err != nil {
		return err
	} else if srv != nil {
		g.Go(func() error { return a.serve(gctx, srv, ln) })
	}

	for _, w := range a.workers {
		g.Go(func() error {
			if err := w.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", w.name, err)
			}
			slog.Debug("worker finished", "worker", w.name)
			return nil
		})
	}

	// Keep running after every worker finished cleanly.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("app running", "workers", len(a.workers))
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *App) server() (*http.Server, net.Listener, error) {
	ln := a.listener
	if ln == nil {
		addr := a.cfg.Server.ListenAddr
		if addr == "" {
			return nil, nil, nil
		}
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: listen %q: %w", addr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, ln, nil
}

func (a *App) serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	<-errCh
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active conversation and runs the closers in order. If
// ctx expires first, remaining closers are skipped and the context error is
// returned. Subsequent calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.conv.StopConversation(ctx); err != nil && !errors.Is(err, conversation.ErrClosed) {
			slog.Warn("stop conversation error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ConversationConfig converts the conversation section of cfg into manager
// settings.
func ConversationConfig(cfg *config.Config) conversation.Config {
	c := cfg.Conversation
	return conversation.Config{
		Model:          cfg.Provider.Model,
		Voice:          c.Voice,
		Instructions:   c.SystemInstruction,
		FrameSize:      c.FrameSize,
		SendQueueSize:  c.SendQueueSize,
		ConnectTimeout: c.ConnectTimeout,
	}
}
