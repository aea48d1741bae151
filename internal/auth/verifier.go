package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingsync/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

const (
	// ScopeAdmin grants access to every account and to the admin routes.
	ScopeAdmin = "billing:admin"

	AdminKeyHeader = "X-Billing-Admin-Key"
)

type Service struct {
	Config config.Config
	Now    func() time.Time
}

func NewService(cfg config.Config) *Service {
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return s.VerifyJWT(r.Context(), authHeader)
	}
	if key := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); key != "" {
		return s.VerifyAdminKey(key)
	}
	return Principal{}, ErrUnauthorized
}

func (s *Service) VerifyJWT(_ context.Context, authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	rawToken := strings.TrimSpace(headerParts[1])

	signingKey := []byte(s.Config.Auth.SigningKey)
	if len(signingKey) == 0 {
		return Principal{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if iss := strings.TrimSpace(s.Config.Auth.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(s.Config.Auth.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrUnauthorized
	}

	principal := Principal{
		AccountID: claimString(claims["account_id"]),
		ActorID:   claimString(claims["sub"]),
		TokenID:   claimString(claims["jti"]),
		Scopes:    extractScopes(claims["scope"]),
		Method:    AuthMethodJWT,
	}
	// Tokens without an account are only useful to operators.
	if principal.AccountID == "" && s.ValidateScopes(principal, ScopeAdmin) != nil {
		return Principal{}, ErrUnauthorized
	}
	return principal, nil
}

// VerifyAdminKey accepts the bootstrap operator key from configuration.
func (s *Service) VerifyAdminKey(key string) (Principal, error) {
	want := strings.TrimSpace(s.Config.Auth.AdminAPIKey)
	if want == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		Scopes: []string{ScopeAdmin},
		Method: AuthMethodAdminKey,
	}, nil
}

func (s *Service) ValidateScopes(principal Principal, requiredScope string) error {
	if requiredScope == "" {
		return nil
	}
	for _, scope := range principal.Scopes {
		if scope == "*" || scope == requiredScope {
			return nil
		}
		if strings.HasSuffix(scope, ":*") {
			prefix := strings.TrimSuffix(scope, "*")
			if strings.HasPrefix(requiredScope, prefix) {
				return nil
			}
		}
	}
	return ErrForbidden
}

// AuthorizeAccount allows a caller to act on accountID when the token belongs
// to that account or carries the admin scope.
func (s *Service) AuthorizeAccount(principal Principal, accountID string) error {
	if s.ValidateScopes(principal, ScopeAdmin) == nil {
		return nil
	}
	if principal.AccountID == "" || principal.AccountID != accountID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func claimString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	default:
		return ""
	}
}

func extractScopes(claim any) []string {
	var scopes []string
	switch value := claim.(type) {
	case string:
		for _, item := range strings.Fields(value) {
			if item != "" {
				scopes = append(scopes, item)
			}
		}
	case []any:
		for _, item := range value {
			if scope := claimString(item); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	case []string:
		for _, item := range value {
			if item != "" {
				scopes = append(scopes, item)
			}
		}
	}
	return scopes
}
