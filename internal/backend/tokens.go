package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for a token that fails signature, expiry, or shape checks.
var ErrInvalidToken = errors.New("invalid token")

// SessionClaims are carried by session tokens.
type SessionClaims struct {
	UserID    string `json:"uid"`
	Username  string `json:"usn"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type matchClaims struct {
	MatchID string `json:"mid"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session and matchmaker tokens.
type Tokens struct {
	key      []byte
	ttl      time.Duration
	matchTTL time.Duration
	now      func() time.Time
}

// NewTokens creates a Tokens signer.
//
// Precondition: key must be non-empty; ttl must be > 0.
func NewTokens(key string, ttl time.Duration) *Tokens {
	return &Tokens{key: []byte(key), ttl: ttl, matchTTL: 5 * time.Minute, now: time.Now}
}

// Issue signs a session token for acct.
//
// Postcondition: Returns the token and its expiry.
func (t *Tokens) Issue(acct Account) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := &SessionClaims{
		UserID:    acct.ID,
		Username:  acct.Username,
		SessionID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, exp, nil
}

// Parse verifies a session token.
//
// Postcondition: Returns the claims, or an error wrapping ErrInvalidToken.
func (t *Tokens) Parse(token string) (SessionClaims, error) {
	var claims SessionClaims
	if err := t.parse(token, &claims); err != nil {
		return SessionClaims{}, err
	}
	if claims.UserID == "" {
		return SessionClaims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// IssueMatch signs a short-lived matchmaker token naming matchID.
func (t *Tokens) IssueMatch(matchID string) (string, error) {
	now := t.now()
	claims := &matchClaims{
		MatchID: matchID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.matchTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("signing match token: %w", err)
	}
	return token, nil
}

// ParseMatch verifies a matchmaker token and returns the match id it names.
func (t *Tokens) ParseMatch(token string) (string, error) {
	var claims matchClaims
	if err := t.parse(token, &claims); err != nil {
		return "", err
	}
	if claims.MatchID == "" {
		return "", fmt.Errorf("%w: missing match id", ErrInvalidToken)
	}
	return claims.MatchID, nil
}

func (t *Tokens) parse(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.key, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
