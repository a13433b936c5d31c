// Package authn verifies the bearer tokens issued by the session service.
//
// Tokens are HS256 JWTs whose subject is the user id and whose "rol" claim
// is one of the two signature roles.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/accordsai/creditlane/pkg/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

type Identity struct {
	UserID string
	Role   domain.Actor
}

func (i Identity) IsReviewer() bool { return i.Role == domain.ActorReviewer }

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"rol"`
}

type Verifier struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{Secret: []byte(secret), Issuer: issuer, Audience: audience, Now: time.Now}
}

// AuthenticateBearer validates an Authorization header value.
func (v *Verifier) AuthenticateBearer(authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	return v.Authenticate(token)
}

func (v *Verifier) Authenticate(token string) (*Identity, error) {
	if len(v.Secret) == 0 {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return v.Secret, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	role, err := domain.ParseActor(strings.TrimSpace(c.Role))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, c.Role)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return &Identity{UserID: c.Subject, Role: role}, nil
}

// Issue mints a token for id. Used by the operator CLI and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(id.Role),
	}
	if v.Audience != "" {
		c.Audience = jwt.ClaimStrings{v.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.Secret)
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
