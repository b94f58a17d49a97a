package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRequestID serves the request id it finds in the context.
var echoRequestID = RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, _ := r.Context().Value(httputil.RequestIDCtxKey).(string)
	w.Write([]byte(id))
}))

func serveRequestID(t *testing.T, req *http.Request) (ctxID, headerID string) {
	t.Helper()
	w := httptest.NewRecorder()
	echoRequestID.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String(), w.Header().Get(RequestIDHeader)
}

func TestRequestID(t *testing.T) {
	t.Run("generates", func(t *testing.T) {
		ctxID, headerID := serveRequestID(t, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
		_, err := uuid.Parse(ctxID)
		require.NoError(t, err)
		assert.Equal(t, ctxID, headerID)

		other, _ := serveRequestID(t, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
		assert.NotEqual(t, ctxID, other)
	})

	t.Run("keeps context id", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, id))
		req.Header.Set(RequestIDHeader, uuid.NewString())

		ctxID, headerID := serveRequestID(t, req)
		assert.Equal(t, id, ctxID)
		assert.Equal(t, id, headerID)
	})

	t.Run("reuses client header", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set(RequestIDHeader, id)

		ctxID, headerID := serveRequestID(t, req)
		assert.Equal(t, id, ctxID)
		assert.Equal(t, id, headerID)
	})

	t.Run("replaces malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set(RequestIDHeader, "not-a-uuid")

		ctxID, headerID := serveRequestID(t, req)
		assert.NotEqual(t, "not-a-uuid", ctxID)
		_, err := uuid.Parse(headerID)
		assert.NoError(t, err)
	})
}
