// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agentauth implements the enrollment, token, and heartbeat
// protocol for boot workers and deployed-machine agents.
package agentauth

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Kind distinguishes who a bearer token authenticates.
type Kind string

const (
	KindUser   Kind = "user"
	KindAgent  Kind = "agent"
	KindWorker Kind = "worker"
)

// DefaultTokenTTL is the short lifetime of issued agent and worker
// tokens.
const DefaultTokenTTL = 60 * time.Minute

const (
	// ErrTokenExpired means the token is past its refresh grace and
	// the holder must re-enroll.
	ErrTokenExpired = errors.ConstError("token expired")

	// ErrTokenInvalid means the token never was acceptable.
	ErrTokenInvalid = errors.ConstError("token invalid")
)

const claimKind = "hatchery-kind"

// Claims is the verified content of a token.
type Claims struct {
	Kind      Kind
	Subject   string
	ExpiresAt time.Time
}

// TokenService issues and verifies HMAC-signed bearer tokens.
type TokenService struct {
	key   []byte
	clock clock.Clock
	ttl   time.Duration
}

// NewTokenService returns a service signing with the given secret. A
// zero ttl means DefaultTokenTTL.
func NewTokenService(signingKey []byte, clk clock.Clock, ttl time.Duration) (*TokenService, error) {
	if len(signingKey) == 0 {
		return nil, errors.NotValidf("empty signing key")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{key: signingKey, clock: clk, ttl: ttl}, nil
}

// TTL returns the lifetime this service stamps on tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue mints a token for the given subject.
func (s *TokenService) Issue(kind Kind, subject string) (token string, expiresAt time.Time, err error) {
	now := s.clock.Now()
	expiresAt = now.Add(s.ttl)
	tok, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(expiresAt).
		Claim(claimKind, string(kind)).
		Build()
	if err != nil {
		return "", time.Time{}, errors.Trace(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", time.Time{}, errors.Annotate(err, "signing token")
	}
	return string(signed), expiresAt, nil
}

// Verify checks signature and expiry and returns the claims.
func (s *TokenService) Verify(token string) (Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Claims{}, errors.Trace(err)
	}
	if s.clock.Now().After(claims.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

// VerifyForRefresh accepts tokens up to one TTL past expiry. Past
// that grace the holder must re-enroll.
func (s *TokenService) VerifyForRefresh(token string) (Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Claims{}, errors.Trace(err)
	}
	if s.clock.Now().After(claims.ExpiresAt.Add(s.ttl)) {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *TokenService) parse(token string) (Claims, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(false),
	)
	if err != nil {
		return Claims{}, errors.Annotate(ErrTokenInvalid, err.Error())
	}
	rawKind, ok := tok.Get(claimKind)
	if !ok {
		return Claims{}, errors.Annotate(ErrTokenInvalid, "missing kind claim")
	}
	kindStr, ok := rawKind.(string)
	if !ok {
		return Claims{}, errors.Annotate(ErrTokenInvalid, "malformed kind claim")
	}
	switch Kind(kindStr) {
	case KindUser, KindAgent, KindWorker:
	default:
		return Claims{}, errors.Annotatef(ErrTokenInvalid, "unknown kind %q", kindStr)
	}
	return Claims{
		Kind:      Kind(kindStr),
		Subject:   tok.Subject(),
		ExpiresAt: tok.Expiration(),
	}, nil
}
