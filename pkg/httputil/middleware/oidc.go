package middleware

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// OIDCProviderConfig configures token introspection.
type OIDCProviderConfig struct {
	ClientID     string `mapstructure:"clientID"`
	ClientSecret string `mapstructure:"clientSecret"`
	Issuer       string `mapstructure:"issuer"`
	// CacheTTL bounds how long an introspected token is trusted without asking
	// the issuer again.
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
}

type introspectFunc func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error)

// OIDCProvider verifies bearer tokens by introspection at the issuer.
type OIDCProvider struct {
	introspect introspectFunc
	cache      *Cache[*oidc.IntrospectionResponse]
	ttl        time.Duration
}

// NewOIDCProvider discovers the issuer and authenticates as a resource server.
func NewOIDCProvider(ctx context.Context, cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, errors.New("oidc: issuer, clientID and clientSecret are required")
	}
	provider, err := rs.NewResourceServerClientCredentials(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("create OIDC resource server: %w", err)
	}
	return newOIDCProvider(func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return rs.Introspect[*oidc.IntrospectionResponse](ctx, provider, token)
	}, cfg.CacheTTL), nil
}

func newOIDCProvider(introspect introspectFunc, ttl time.Duration) *OIDCProvider {
	return &OIDCProvider{introspect: introspect, cache: NewCache[*oidc.IntrospectionResponse](), ttl: cmp.Or(ttl, time.Minute)}
}

// Verify returns the introspection result of an active token.
func (p *OIDCProvider) Verify(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if v, ok := p.cache.Get(key); ok {
		return v, nil
	}

	user, err := p.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, errors.New("token not active")
	}

	ttl := p.ttl
	if user.Expiration != 0 {
		ttl = min(ttl, time.Until(user.Expiration.AsTime()))
	}
	if ttl > 0 {
		p.cache.Set(key, user, ttl)
	}
	return user, nil
}

// VerifyOIDCToken verifies bearer tokens in Authorization headers. By default it
// responds 401 when the token is missing or invalid. With send401Unauthorized
// false, requests without a bearer token continue, so another scheme (basic auth)
// can handle them.
func VerifyOIDCToken(p *OIDCProvider, send401Unauthorized ...bool) func(http.Handler) http.Handler {
	send401 := true
	if len(send401Unauthorized) > 0 {
		send401 = send401Unauthorized[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			scheme, token, _ := strings.Cut(authHeader, " ")
			if !strings.EqualFold(scheme, "bearer") || token == "" {
				if send401 {
					http.Error(w, "Bearer token missing", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, err := p.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), httputil.OIDCUserCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
