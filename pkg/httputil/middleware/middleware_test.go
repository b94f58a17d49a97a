package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) httputil.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mw("outer"), mw("inner"))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestAuthenticate(t *testing.T) {
	p := newOIDCProvider(func(_ context.Context, token string) (*oidc.IntrospectionResponse, error) {
		if token == "good" {
			return &oidc.IntrospectionResponse{Active: true, Subject: "svc"}, nil
		}
		return nil, errors.New("invalid")
	}, time.Minute)
	basic := BasicAuthCreds(map[string]string{"admin": "secret"})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, httputil.Principal(r))
	})

	tests := []struct {
		name      string
		mw        httputil.Middleware
		bearer    string
		user      string
		pass      string
		status    int
		principal string
	}{
		{name: "open", mw: Authenticate(nil, nil), status: http.StatusOK},
		{name: "bearer", mw: Authenticate(p, basic), bearer: "good", status: http.StatusOK, principal: "svc"},
		{name: "bad bearer", mw: Authenticate(p, basic), bearer: "bad", status: http.StatusUnauthorized},
		{name: "basic", mw: Authenticate(p, basic), user: "admin", pass: "secret", status: http.StatusOK, principal: "admin"},
		{name: "bad basic", mw: Authenticate(p, basic), user: "admin", pass: "nope", status: http.StatusUnauthorized},
		{name: "nothing", mw: Authenticate(p, basic), status: http.StatusUnauthorized},
		{name: "basic only", mw: Authenticate(nil, basic), user: "admin", pass: "secret", status: http.StatusOK, principal: "admin"},
		{name: "oidc only", mw: Authenticate(p, nil), user: "admin", pass: "secret", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			switch {
			case tt.bearer != "":
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			case tt.user != "":
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rr := serve(tt.mw(next), req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.principal, rr.Body.String())
			}
		})
	}
}
