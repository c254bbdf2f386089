// Package authn resolves the bearer token on every API request into an
// authenticated principal carrying a verified phone number. Two validator
// modes exist: a shared HS256 secret for single-operator deployments, and
// a JWKS fetcher with a process-local key cache.
package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ericyarmo/buds-relay/internal/domain"
	obsmw "github.com/ericyarmo/buds-relay/internal/observability/middleware"
	"github.com/ericyarmo/buds-relay/internal/validate"
)

// Principal is the verified caller identity.
type Principal struct {
	Subject string
	Phone   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, when present.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Validator produces the auth middleware for the router.
type Validator interface {
	Middleware(next http.Handler) http.Handler
}

type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret), issuer: issuer}
}

func (h *HMACValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokStr, ok := bearerToken(r)
		if !ok {
			unauthorized(w, r, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return h.secret, nil
		})
		if err != nil || !token.Valid {
			slog.WarnContext(r.Context(), "auth invalid token", "error", err)
			unauthorized(w, r, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			unauthorized(w, r, "invalid token claims")
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && h.issuer != "" && iss != h.issuer {
			unauthorized(w, r, "issuer mismatch")
			return
		}
		p, ok := principalFromClaims(map[string]any(claims))
		if !ok {
			unauthorized(w, r, "token carries no verified phone")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator builds a validator backed by a refreshed JWKS cache.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer string) (*JWKSValidator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   15 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, err
	}
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

func (j *JWKSValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokStr, ok := bearerToken(r)
		if !ok {
			unauthorized(w, r, "missing bearer token")
			return
		}

		token, err := jwtv4.Parse(tokStr, j.jwks.Keyfunc)
		if err != nil || !token.Valid {
			slog.WarnContext(r.Context(), "auth invalid token", "error", err)
			unauthorized(w, r, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwtv4.MapClaims)
		if !ok {
			unauthorized(w, r, "invalid token claims")
			return
		}
		if iss, _ := claims["iss"].(string); iss != "" && j.issuer != "" && iss != j.issuer {
			unauthorized(w, r, "issuer mismatch")
			return
		}
		p, ok := principalFromClaims(map[string]any(claims))
		if !ok {
			unauthorized(w, r, "token carries no verified phone")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(raw[len("Bearer "):]), true
}

func principalFromClaims(claims map[string]any) (Principal, bool) {
	sub, _ := claims["sub"].(string)
	phone, _ := claims["phone"].(string)
	if sub == "" || !validate.Phone(phone) {
		return Principal{}, false
	}
	return Principal{Subject: sub, Phone: phone}, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       domain.CodeAuthFailed,
			"message":    msg,
			"request_id": obsmw.RequestIDFromContext(r.Context()),
		},
	})
}
