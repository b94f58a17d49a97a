package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

// RequestLogger returns the request-scoped logger, or zap.L().
func RequestLogger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
		return logger
	}
	return zap.L()
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.String("principal", httputil.Principal(r)),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one "response" line per request. Handlers find a logger
// carrying the request id with RequestLogger.
func LoggerWithOptions(options *LoggerOptions) func(http.Handler) http.Handler {
	opts := LoggerOptions{Logger: zap.L(), Format: defaultFormat}
	if options != nil {
		if options.Logger != nil {
			opts.Logger = options.Logger
		}
		if options.Format != nil {
			opts.Format = options.Format
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
			if !ok {
				reqID = uuid.Nil.String()
			}

			rec := NewResponseRecorder(w)
			ctx := context.WithValue(r.Context(), httputil.LogEntryCtxKey, opts.Logger.With(zap.String("req_id", reqID)))
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			opts.Logger.Info("response", opts.Format(reqID, rec, r, time.Since(start))...)
		})
	}
}
