package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/pkg/store"
)

// SessionTTL is how long a dashboard session token stays valid.
const SessionTTL = 24 * time.Hour

var ErrSessionInvalid = errors.New("auth: session invalid")

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens for dashboard
// users. Tokens reference a server-side session row so logout revokes
// them immediately.
type Sessions struct {
	secret []byte
	users  *store.UserStore
	now    func() time.Time
}

func NewSessions(secret string, users *store.UserStore) *Sessions {
	return &Sessions{secret: []byte(secret), users: users, now: time.Now}
}

// WithClock fixes the clock for tests.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Issue creates a session row and a signed token referencing it.
func (s *Sessions) Issue(ctx context.Context, user *store.User) (string, error) {
	sessionID, err := s.users.CreateSession(ctx, user.ID, SessionTTL)
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := sessionClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session: %w", err)
	}
	return token, nil
}

// Validate parses the token and checks the referenced session row.
func (s *Sessions) Validate(ctx context.Context, token string) (userID, email string, err error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", "", err
	}
	ok, err := s.users.SessionValid(ctx, claims.ID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrSessionInvalid
	}
	return claims.Subject, claims.Email, nil
}

// Revoke deletes the session row behind a token.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	return s.users.DeleteSession(ctx, claims.ID)
}

func (s *Sessions) parse(token string) (*sessionClaims, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrSessionInvalid
	}
	return &claims, nil
}
