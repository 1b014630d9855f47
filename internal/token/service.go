package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidServiceToken covers any service token that fails to parse
// or validate.
var ErrInvalidServiceToken = errors.New("invalid service token")

// ErrNoServiceSecret is returned by Generate when no shared secret is
// configured. Verify rejects every token in that state; an empty
// secret must never become a usable signing key.
var ErrNoServiceSecret = errors.New("service token secret is not configured")

// ServiceTokens issues and validates the HS256 JWTs that guard the
// operational API (delivery listing, endpoint re-activation). These
// are service-to-service credentials; human dashboard users never see
// them.
type ServiceTokens struct {
	secret []byte
	ttl    time.Duration
}

type serviceClaims struct {
	jwt.RegisteredClaims
}

// NewServiceTokens creates a ServiceTokens helper with the given
// shared secret.
func NewServiceTokens(secret string, ttl time.Duration) *ServiceTokens {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &ServiceTokens{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token identifying the calling service.
func (s *ServiceTokens) Generate(subject string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoServiceSecret
	}
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "pulsegate",
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verify validates a service token and returns its subject.
func (s *ServiceTokens) Verify(tokenString string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrInvalidServiceToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &serviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidServiceToken
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", ErrInvalidServiceToken
	}

	claims, ok := parsed.Claims.(*serviceClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidServiceToken
	}
	return claims.Subject, nil
}
