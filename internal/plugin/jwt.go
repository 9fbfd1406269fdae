package plugin

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims the JWT plugin attached for this
// request, if auth is enabled and the token validated.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return claims, ok
}

// JWTClaims validates the Authorization bearer token against a shared HMAC
// secret and places its claims in the request context. It applies to every
// interaction; deployments without auth simply do not register it.
type JWTClaims struct {
	secret []byte
}

func NewJWTClaims(secret string) *JWTClaims {
	return &JWTClaims{secret: []byte(secret)}
}

func (p *JWTClaims) Name() string { return "jwt-claims" }

func (p *JWTClaims) Supports(*OperationDescriptor) bool { return true }

func (p *JWTClaims) BeforeOp(ctx context.Context, d *OperationDescriptor) (context.Context, error) {
	raw, ok := bearerToken(d.Headers.Get("Authorization"))
	if !ok {
		return ctx, fhir.ForbiddenError("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return ctx, fhir.ForbiddenError("invalid bearer token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ctx, fhir.ForbiddenError("invalid bearer token")
	}
	return context.WithValue(ctx, claimsKey{}, claims), nil
}

func (p *JWTClaims) AfterOp(context.Context, *OperationDescriptor) error { return nil }

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
