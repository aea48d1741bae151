package auth

import "context"

// AuthMethod records how a Principal proved who it is.
type AuthMethod string

const (
	AuthMethodJWT      AuthMethod = "jwt"
	AuthMethodAdminKey AuthMethod = "admin_api_key"
)

// Principal is the caller a request was authenticated as. AccountID is empty
// for operator tokens, which must then carry the admin scope.
type Principal struct {
	AccountID string
	ActorID   string
	TokenID   string
	Scopes    []string
	Method    AuthMethod
}

// Actor names the principal in transition history: the token subject when
// there is one, otherwise the way it authenticated.
func (p Principal) Actor() string {
	if p.ActorID != "" {
		return p.ActorID
	}
	return string(p.Method)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal the API's auth middleware attached to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
