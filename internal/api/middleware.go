package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/tenant"
)

// Identity headers set by the trusted front end.
const (
	HeaderUser = "X-Warden-User"
	HeaderRole = "X-Warden-Role"
	HeaderOrg  = "X-Warden-Org"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// AdminToken may act for any organization named in X-Warden-Org.
	AdminToken string
	// Tenants resolves organization-scoped tokens.
	Tenants *tenant.Manager
}

type principal struct {
	id    model.Identity
	admin bool
}

type principalKey struct{}

// IdentityFrom returns the caller identity placed by Authenticate.
func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p.id, ok
}

func isAdmin(ctx context.Context) bool {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p.admin
}

// Authenticate validates the bearer token and builds the caller identity
// from the identity headers. Tenant tokens pin the organization; the admin
// token takes it from X-Warden-Org.
func Authenticate(cfg *AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			p := principal{id: model.Identity{
				UserID: strings.TrimSpace(r.Header.Get(HeaderUser)),
				Role:   strings.TrimSpace(r.Header.Get(HeaderRole)),
			}}
			org := strings.TrimSpace(r.Header.Get(HeaderOrg))

			switch {
			case cfg.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminToken)) == 1:
				p.admin = true
				p.id.OrganizationID = org
			case cfg.Tenants != nil:
				info, ok := cfg.Tenants.Resolve(token)
				if !ok {
					writeError(w, http.StatusForbidden, "invalid token")
					return
				}
				if org != "" && org != info.OrganizationID {
					writeError(w, http.StatusForbidden, "token is not valid for organization "+org)
					return
				}
				p.id.OrganizationID = info.OrganizationID
			default:
				writeError(w, http.StatusForbidden, "invalid token")
				return
			}

			if p.id.UserID == "" {
				writeError(w, http.StatusUnauthorized, "missing "+HeaderUser+" header")
				return
			}
			if p.id.OrganizationID == "" {
				writeError(w, http.StatusBadRequest, "missing "+HeaderOrg+" header")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequestLogger logs every request with its status and latency.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("request", fields...)
			case ww.Status() >= 400:
				log.Info("request", fields...)
			default:
				log.Debug("request", fields...)
			}
		})
	}
}
