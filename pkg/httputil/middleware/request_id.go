package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID assigns each request an id, reusing one already in the context or
// sent by the client in X-Request-Id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if !ok || reqID == "" {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
