package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingsync/internal/config"
)

const testSigningKey = "test-signing-key-for-unit-tests"

func testService() *Service {
	cfg := config.Default()
	cfg.Auth.Issuer = "https://auth.example.test"
	cfg.Auth.Audience = "billingsync"
	cfg.Auth.SigningKey = testSigningKey
	cfg.Auth.AdminAPIKey = "bs_admin_test"
	return &Service{
		Config: cfg,
		Now:    func() time.Time { return time.Unix(1000, 0) },
	}
}

func TestAuthenticateRequestJWT(t *testing.T) {
	svc := testService()
	token := signedJWT(t, jwt.MapClaims{
		"iss":        "https://auth.example.test",
		"aud":        "billingsync",
		"exp":        2000,
		"nbf":        500,
		"account_id": "acct-1",
		"sub":        "user-1",
		"jti":        "token-1",
		"scope":      "billing:read billing:manage",
	})

	req, err := http.NewRequest(http.MethodGet, "/v1/accounts/acct-1/billing", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	principal, err := svc.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if principal.AccountID != "acct-1" || principal.ActorID != "user-1" || principal.TokenID != "token-1" {
		t.Fatalf("unexpected principal identity: %+v", principal)
	}
	if principal.Method != "jwt" {
		t.Fatalf("expected jwt auth method, got %s", principal.Method)
	}
	if len(principal.Scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %d", len(principal.Scopes))
	}
	if err := svc.AuthorizeAccount(principal, "acct-1"); err != nil {
		t.Fatalf("expected own account to be allowed: %v", err)
	}
	if err := svc.AuthorizeAccount(principal, "acct-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected other account to be forbidden, got %v", err)
	}
}

func TestAuthenticateRequestJWTRequiresAccountOrAdmin(t *testing.T) {
	svc := testService()
	token := signedJWT(t, jwt.MapClaims{
		"iss": "https://auth.example.test",
		"aud": "billingsync",
		"exp": 2000,
		"sub": "user-1",
	})
	req, _ := http.NewRequest(http.MethodGet, "/v1/accounts/acct-1/billing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if _, err := svc.AuthenticateRequest(req); err == nil {
		t.Fatalf("expected missing account_id to fail authentication")
	}

	admin := signedJWT(t, jwt.MapClaims{
		"iss":   "https://auth.example.test",
		"aud":   "billingsync",
		"exp":   2000,
		"sub":   "ops-1",
		"scope": []string{"billing:admin"},
	})
	req.Header.Set("Authorization", "Bearer "+admin)
	principal, err := svc.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("authenticate admin token: %v", err)
	}
	if err := svc.AuthorizeAccount(principal, "acct-9"); err != nil {
		t.Fatalf("expected admin to reach any account: %v", err)
	}
}

func TestAuthenticateRequestRejectsBadTokens(t *testing.T) {
	svc := testService()
	cases := map[string]jwt.MapClaims{
		"expired":      {"iss": "https://auth.example.test", "aud": "billingsync", "exp": 900, "account_id": "acct-1"},
		"no expiry":    {"iss": "https://auth.example.test", "aud": "billingsync", "account_id": "acct-1"},
		"wrong issuer": {"iss": "https://evil.test", "aud": "billingsync", "exp": 2000, "account_id": "acct-1"},
		"wrong aud":    {"iss": "https://auth.example.test", "aud": "other", "exp": 2000, "account_id": "acct-1"},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signedJWT(t, claims))
			if _, err := svc.AuthenticateRequest(req); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if _, err := svc.AuthenticateRequest(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected missing credentials to be unauthorized, got %v", err)
	}
}

func TestAuthenticateRequestAdminKey(t *testing.T) {
	svc := testService()
	req, _ := http.NewRequest(http.MethodPost, "/v1/admin/accounts/acct-1/sync", nil)
	req.Header.Set(AdminKeyHeader, "bs_admin_test")

	principal, err := svc.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("authenticate admin key: %v", err)
	}
	if principal.Method != "admin_api_key" {
		t.Fatalf("expected admin_api_key auth method, got %s", principal.Method)
	}
	if err := svc.ValidateScopes(principal, ScopeAdmin); err != nil {
		t.Fatalf("expected admin scope: %v", err)
	}

	req.Header.Set(AdminKeyHeader, "bs_admin_wrong")
	if _, err := svc.AuthenticateRequest(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected wrong admin key to be unauthorized, got %v", err)
	}

	svc.Config.Auth.AdminAPIKey = ""
	req.Header.Set(AdminKeyHeader, " ")
	if _, err := svc.AuthenticateRequest(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected blank admin key to be unauthorized, got %v", err)
	}
}

func TestValidateScopes(t *testing.T) {
	svc := &Service{}
	principal := Principal{Scopes: []string{"billing:*"}}
	if err := svc.ValidateScopes(principal, "billing:admin"); err != nil {
		t.Fatalf("expected wildcard scope to allow admin: %v", err)
	}
	if err := svc.ValidateScopes(Principal{Scopes: []string{"billing:read"}}, "billing:admin"); err == nil {
		t.Fatalf("expected admin scope to be denied")
	}
}

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}
