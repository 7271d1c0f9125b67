// Package auth issues and verifies bearer tokens and carries the resulting
// identity through request contexts.
//
// Absence of a credential is valid (anonymous request). A credential that is
// present but invalid or expired is a hard authentication failure, never
// silently treated as anonymous.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/domain"
)

// Identity is the authenticated-user reference attached to a request.
type Identity struct {
	UserID   string
	Username string
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request identity, reporting whether one is set.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Claims is the token payload: username plus registered claims with the user
// id as subject.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 tokens and checks the login password.
type Service struct {
	secret       []byte
	ttl          time.Duration
	passwordHash []byte
}

// NewService creates a Service. password is the single service-wide login
// password; it is hashed once here and only compared thereafter.
func NewService(secret, password string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	return &Service{secret: []byte(secret), ttl: ttl, passwordHash: hash}, nil
}

// CheckPassword reports whether password matches the configured login
// password.
func (s *Service) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
}

// IssueToken signs a token for user.
func (s *Service) IssueToken(user domain.User) (domain.Token, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    "libris",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return domain.Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return domain.Token{Value: signed}, nil
}

// VerifyToken parses and validates a bearer token value, returning the
// identity it asserts. All failures surface as AuthInvalid.
func (s *Service) VerifyToken(value string) (Identity, error) {
	token, err := jwt.ParseWithClaims(value, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apierr.Wrap(apierr.AuthInvalid, "token expired", err)
		}
		return Identity{}, apierr.Wrap(apierr.AuthInvalid, "invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, apierr.New(apierr.AuthInvalid, "invalid token claims")
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}
