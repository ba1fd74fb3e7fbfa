// Package identity extracts the authenticated actor and roles from an
// inbound request's bearer token, grounded on the teacher's
// pkg/identity/token.go claims shape and the prototype's common/http.py
// RequestIdentity (subject propagated through context for audit logging).
package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the registered JWT claim set with the actor/role fields
// TwinOps's RBAC layer and audit log need.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Identity is the resolved caller, threaded through a request's lifetime.
type Identity struct {
	Actor string
	Roles []string
}

// Verifier validates a bearer token and returns the caller's identity.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier constructs a Verifier over an HMAC signing secret. TwinOps
// uses symmetric signing between the identity issuer and the Safety
// Kernel's deployment, rather than the teacher's RSA keyset infrastructure,
// since there is a single trusted issuer rather than a federation of them.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a bearer token, returning the resolved Identity.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, jwt.ErrTokenSignatureInvalid
	}
	return Identity{Actor: claims.Subject, Roles: claims.Roles}, nil
}

// Issue mints a signed token for actor with the given roles, for local
// testing and for the service-to-service principals TwinOps itself acts as.
func (v *Verifier) Issue(actor string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor
	claims.Issuer = v.issuer
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: claims, Roles: roles})
	return token.SignedString(v.secret)
}

type ctxKey struct{}

// WithIdentity attaches an Identity to ctx for downstream audit logging.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext retrieves the Identity attached by WithIdentity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
