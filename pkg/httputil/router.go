// Package httputil is a small router and response toolkit for the admin API.
package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// RouterOptions configures a Router.
type RouterOptions func(*Router)

// Router registers handlers on a ServeMux with Go 1.22 method patterns and
// applies middleware to them.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	prefix     string
	middleware []Middleware
	logger     *zap.Logger
	mu         sync.RWMutex
}

func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions applies custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTLS serves HTTPS with the given certificate.
func WithTLS(cert tls.Certificate) RouterOptions {
	return func(r *Router) {
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds middleware. Middleware applies in the order added, to handlers
// registered afterwards.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a sub-router with a path prefix. It inherits the middleware of
// its parent.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers handler for "METHOD /pattern". On a group with prefix /p the
// route resolves to "METHOD /p/pattern".
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("invalid method pattern: %s", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	h := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), h)
}

// HandleFunc is Handle for a function.
func (r *Router) HandleFunc(methodPattern string, handler http.HandlerFunc) {
	r.Handle(methodPattern, handler)
}

// ServeHTTP dispatches to the registered handlers.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// ListenAndServe serves until Shutdown, over HTTPS when WithTLS was given. It
// returns nil after a graceful shutdown.
func (r *Router) ListenAndServe(addr string) error {
	r.server.Addr = addr
	r.server.Handler = r.mux
	r.logger.Info("starting server", zap.String("addr", addr), zap.Bool("tls", r.server.TLSConfig != nil))

	var err error
	if r.server.TLSConfig != nil {
		err = r.server.ListenAndServeTLS("", "")
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server", zap.String("addr", r.server.Addr))
	return r.server.Shutdown(ctx)
}
