// Package auth verifies Google-signed OIDC tokens presented by Cloud Scheduler and
// other service accounts calling internal endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
)

// ServiceIdentity captures the authenticated service principal.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

// WithServiceIdentity attaches the verified service identity to ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by RequireServiceToken.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// ServicePolicy lists what a caller token must carry.
type ServicePolicy struct {
	Audience string
	Issuers  []string
	// Emails restricts callers to these service accounts when non-empty.
	Emails []string
}

// OIDCValidator validates Google-signed OIDC and IAP tokens using a JWKS cache.
type OIDCValidator struct {
	cache  *JWKSCache
	logger Logger
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, logger Logger) *OIDCValidator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &OIDCValidator{cache: cache, logger: logger}
}

// RequireServiceToken rejects requests without a valid token matching policy.
func (v *OIDCValidator) RequireServiceToken(policy ServicePolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := toSet(policy.Issuers)
	emails := toSet(policy.Emails)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if audience == "" || v == nil || v.cache == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "service token verification not configured")
				return
			}
			raw := extractServiceToken(r)
			if raw == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "service token missing")
				return
			}

			ctx := r.Context()
			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Printf("auth: jwks unavailable: %v", err)
					respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "signing keys unavailable")
					return
				}
				v.logger.Printf("auth: service token rejected: %v", err)
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "service token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 && !issuers[strings.ToLower(issuer)] {
				v.logger.Printf("auth: service token issuer %q not allowed", issuer)
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "service token issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.logger.Printf("auth: service token audience mismatch")
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "service token audience mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(emails) > 0 && !emails[strings.ToLower(email)] {
				respondAuthError(w, http.StatusForbidden, "forbidden", "service account not allowed")
				return
			}

			subject, _ := claims["sub"].(string)
			identity := &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func extractServiceToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			set[value] = true
		}
	}
	return set
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
