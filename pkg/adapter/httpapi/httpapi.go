// Package httpapi implements the TarnFS request protocol adapter:
// CBOR messages and raw content streams over HTTP/2 cleartext (h2c).
//
// The adapter is stateless between requests. Every operation maps to
// exactly one metadata transaction and at most one content stream; no
// session or lock state survives a request, so any replica serving
// the same stores would answer identically.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/internal/ratelimiter"
	"github.com/tarnfs/tarnfs/pkg/adapter"
	"github.com/tarnfs/tarnfs/pkg/metrics"
	"github.com/tarnfs/tarnfs/pkg/protocol"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

const defaultShutdownTimeout = 30 * time.Second

// Config holds the adapter's listen parameters.
type Config struct {
	// ListenAddr is the TCP address to bind, e.g. ":7530". Use
	// "127.0.0.1:0" in tests for an ephemeral port.
	ListenAddr string

	// ShutdownTimeout bounds graceful shutdown once Serve's context
	// is cancelled. Zero means 30s.
	ShutdownTimeout time.Duration

	// RequestsPerSecond caps the sustained request rate across all
	// clients. Zero means unlimited.
	RequestsPerSecond uint

	// Burst is the token bucket capacity for RequestsPerSecond. Zero
	// defaults to the sustained rate.
	Burst uint
}

// API is the HTTP protocol adapter. It satisfies adapter.Adapter.
type API struct {
	cfg     Config
	meta    metadata.Store
	blobs   content.Store
	metrics metrics.APIMetrics
	limiter *ratelimiter.RateLimiter

	mu        sync.Mutex
	server    *http.Server
	boundAddr string
}

var _ adapter.Adapter = (*API)(nil)

// New creates the adapter. Stores are injected via SetStores before
// Serve.
func New(cfg Config) *API {
	a := &API{
		cfg:     cfg,
		metrics: metrics.NewAPIMetrics(),
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = ratelimiter.New(cfg.RequestsPerSecond, cfg.Burst)
	}
	return a
}

// SetStores injects the shared stores.
func (a *API) SetStores(meta metadata.Store, blobs content.Store) {
	a.meta = meta
	a.blobs = blobs
}

// Protocol returns the adapter's protocol name.
func (a *API) Protocol() string {
	return "http"
}

// Addr returns the bound address once serving, the configured one
// before that.
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.boundAddr != "" {
		return a.boundAddr
	}
	return a.cfg.ListenAddr
}

// Serve binds the listener and blocks until ctx is cancelled or the
// server fails. HTTP/2 is spoken over cleartext TCP via h2c, with
// plain HTTP/1.1 still accepted for debugging with curl.
func (a *API) Serve(ctx context.Context) error {
	if a.meta == nil || a.blobs == nil {
		return errors.New("httpapi: stores not set")
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", a.cfg.ListenAddr, err)
	}

	h2s := &http2.Server{}
	srv := &http.Server{
		Handler: h2c.NewHandler(a.routes(), h2s),
		// Content streams can legitimately be long-lived; only bound
		// the header read.
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.server = srv
	a.boundAddr = ln.Addr().String()
	a.mu.Unlock()

	logger.Info("http adapter listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		timeout := a.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http adapter shutdown: %v", err)
		}
		<-errCh
		return ctx.Err()

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}

// Stop shuts the server down gracefully, bounded by ctx. Safe to call
// concurrently with Serve and more than once.
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// routes builds the router with all protocol endpoints behind the
// instrumentation and recovery middleware.
func (a *API) routes() http.Handler {
	router := httprouter.New()

	register := func(method, route string, h httprouter.Handle) {
		router.Handle(method, route, a.instrument(route, h))
	}

	register(http.MethodGet, protocol.RouteNode, a.handleNodeInfo)
	register(http.MethodGet, protocol.RouteDirectory, a.handleDirectoryInfo)
	register(http.MethodPost, protocol.RouteDirLookup, a.handleLookup)
	register(http.MethodPost, protocol.RouteDirMkdir, a.handleMkdir)
	register(http.MethodPost, protocol.RouteDirCreate, a.handleCreate)
	register(http.MethodPost, protocol.RouteDirRemove, a.handleRemove)
	register(http.MethodPost, protocol.RouteRename, a.handleRename)
	register(http.MethodGet, protocol.RouteFile, a.handleFileInfo)
	register(http.MethodGet, protocol.RouteFileData, a.handleReadData)
	register(http.MethodPut, protocol.RouteFileData, a.handleWriteData)
	register(http.MethodGet, protocol.RouteHealth, a.handleHealth)

	return router
}

// instrument wraps a handler with rate limiting, panic recovery,
// request metrics, and debug logging. A panicking handler answers
// CodeInternal and the stack stays server-side.
func (a *API) instrument(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		a.metrics.RecordRequestStart(route)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in %s %s: %v", r.Method, r.URL.Path, rec)
				a.writeError(sw, r, fmt.Errorf("panic: %v", rec))
			}
			a.metrics.RecordRequestEnd(route)
			a.metrics.RecordRequest(route, sw.status, time.Since(start))
			logger.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start))
		}()

		if a.limiter != nil && !a.limiter.Allow() {
			a.writeError(sw, r, fmt.Errorf("request rate limit exceeded: %w", content.ErrUnavailable))
			return
		}

		h(sw, r, ps)
	}
}

// statusWriter captures the response status for metrics and ensures
// the error path can tell whether headers already went out.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

// Flush lets streaming handlers push chunks through the h2c layer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
