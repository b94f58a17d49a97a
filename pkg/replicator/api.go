package replicator

import (
	"errors"
	"net/http"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/edgeflare/pgmirror/pkg/httputil/middleware"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"go.uber.org/zap"
)

// NewAPI returns the admin HTTP API of s. auth guards everything under /api;
// /healthz is open.
func NewAPI(s *Session, auth httputil.Middleware, logger *zap.Logger, opts ...httputil.RouterOptions) *httputil.Router {
	if logger == nil {
		logger = zap.L()
	}
	r := httputil.NewRouter(append([]httputil.RouterOptions{httputil.WithLogger(logger)}, opts...)...)
	r.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger}))

	r.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		if !s.Status().Running {
			httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := r.Group("/api")
	if auth != nil {
		api.Use(auth)
	}
	api.HandleFunc("GET /status", func(w http.ResponseWriter, req *http.Request) {
		httputil.JSON(w, http.StatusOK, s.Status())
	})
	api.HandleFunc("GET /tables", func(w http.ResponseWriter, req *http.Request) {
		httputil.JSON(w, http.StatusOK, s.Tables())
	})
	api.HandleFunc("GET /tables/{table}", func(w http.ResponseWriter, req *http.Request) {
		id := cdc.ParseTableID(req.PathValue("table"))
		e, ok := s.Registry().Get(id)
		if !ok {
			httputil.Error(w, http.StatusNotFound, "unknown table "+id.String())
			return
		}
		httputil.JSON(w, http.StatusOK, e)
	})
	api.HandleFunc("POST /tables/{table}", func(w http.ResponseWriter, req *http.Request) {
		id := cdc.ParseTableID(req.PathValue("table"))
		e, err := s.AddTable(req.Context(), id)
		if err != nil {
			apiError(w, req, err)
			return
		}
		middleware.RequestLogger(req.Context()).Info("table added", zap.Stringer("table", id))
		httputil.JSON(w, http.StatusCreated, e)
	})
	api.HandleFunc("POST /tables/{table}/reload", func(w http.ResponseWriter, req *http.Request) {
		id := cdc.ParseTableID(req.PathValue("table"))
		e, err := s.ReloadTable(req.Context(), id)
		if err != nil {
			apiError(w, req, err)
			return
		}
		middleware.RequestLogger(req.Context()).Info("table reload requested", zap.Stringer("table", id))
		httputil.JSON(w, http.StatusAccepted, e)
	})
	api.HandleFunc("DELETE /tables/{table}", func(w http.ResponseWriter, req *http.Request) {
		id := cdc.ParseTableID(req.PathValue("table"))
		if err := s.RemoveTable(req.Context(), id); err != nil {
			apiError(w, req, err)
			return
		}
		middleware.RequestLogger(req.Context()).Info("table removed", zap.Stringer("table", id))
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func apiError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, tablesync.ErrUnknownTable):
		httputil.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tablesync.ErrTableExists):
		httputil.Error(w, http.StatusConflict, err.Error())
	default:
		middleware.RequestLogger(req.Context()).Error("admin request failed", zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, err.Error())
	}
}
