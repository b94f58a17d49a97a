// Package middleware provides the request id, access log and authentication
// middleware of the admin API.
package middleware

import (
	"net/http"

	"github.com/edgeflare/pgmirror/pkg/httputil"
)

// Chain applies middleware to h. The first middleware is the outermost wrapper.
func Chain(h http.Handler, middlewares ...httputil.Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Authenticate accepts a bearer token verified by p or basic credentials. Either
// may be nil; with both nil every request passes.
func Authenticate(p *OIDCProvider, basic *BasicAuthConfig) httputil.Middleware {
	switch {
	case p == nil && basic == nil:
		return func(next http.Handler) http.Handler { return next }
	case p == nil:
		return VerifyBasicAuth(basic)
	case basic == nil:
		return VerifyOIDCToken(p)
	}

	verifyBasic := VerifyBasicAuth(basic)
	return func(next http.Handler) http.Handler {
		basicThenNext := verifyBasic(next)
		return VerifyOIDCToken(p, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := httputil.OIDCUser(r); ok {
				next.ServeHTTP(w, r)
				return
			}
			basicThenNext.ServeHTTP(w, r)
		}))
	}
}
