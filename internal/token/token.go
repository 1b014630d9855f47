package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrKeyNotConfigured means the workspace has no signing key. It is
	// surfaced to callers as a plain 401 so an attacker cannot tell a
	// misconfigured workspace from an invalid one, but it is logged
	// internally as a configuration defect.
	ErrKeyNotConfigured = errors.New("workspace signing key not configured")
	ErrOriginMismatch   = errors.New("token origin mismatch")
)

// Claims are the contents of an ingestion token.
type Claims struct {
	WorkspaceID string `json:"wid"`
	ExpiresAt   int64  `json:"exp"`
	Origin      string `json:"origin,omitempty"`
}

// KeyLookup resolves the active signing key for a workspace.
type KeyLookup interface {
	GetWorkspaceSecret(ctx context.Context, workspaceID string) (string, error)
}

// Verifier checks ingestion tokens. Two wire forms are accepted:
// the compact form base64url(payload).base64url(signature) where the
// signature is HMAC-SHA256 over the payload segment bytes, and the
// standard three-segment HS256 JWT carrying the same claims.
type Verifier struct {
	keys          KeyLookup
	enforceOrigin bool
	logger        *slog.Logger

	now func() time.Time
}

// NewVerifier creates a Verifier. When enforceOrigin is false (the
// default deployment posture) an origin claim mismatch is logged and
// the request proceeds; non-browser callers send no Origin header and
// hard enforcement would break them. This is a deliberate trade-off,
// not a missing check.
func NewVerifier(keys KeyLookup, enforceOrigin bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		keys:          keys,
		enforceOrigin: enforceOrigin,
		logger:        logger,
		now:           time.Now,
	}
}

// Verify authenticates tok against the declared request origin and
// returns its claims.
func (v *Verifier) Verify(ctx context.Context, tok, requestOrigin string) (*Claims, error) {
	segments := strings.Split(tok, ".")
	switch len(segments) {
	case 2:
		return v.verifyCompact(ctx, segments, requestOrigin)
	case 3:
		return v.verifyJWT(ctx, tok, requestOrigin)
	default:
		return nil, ErrMalformedToken
	}
}

func (v *Verifier) verifyCompact(ctx context.Context, segments []string, requestOrigin string) (*Claims, error) {
	payloadRaw, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, ErrMalformedToken
	}

	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, ErrMalformedToken
	}
	if claims.WorkspaceID == "" {
		return nil, ErrMalformedToken
	}

	if claims.ExpiresAt <= v.now().Unix() {
		return nil, ErrTokenExpired
	}

	if err := v.checkOrigin(ctx, &claims, requestOrigin); err != nil {
		return nil, err
	}

	secret, err := v.keys.GetWorkspaceSecret(ctx, claims.WorkspaceID)
	if err != nil {
		v.logger.ErrorContext(ctx, "workspace signing key lookup failed",
			slog.String("workspace_id", claims.WorkspaceID),
			slog.String("error", err.Error()),
		)
		return nil, ErrKeyNotConfigured
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, ErrMalformedToken
	}

	// The HMAC covers the encoded payload segment, byte for byte.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(segments[0]))
	if !hmac.Equal(mac.Sum(nil), signature) {
		return nil, ErrInvalidSignature
	}

	return &claims, nil
}

type jwtClaims struct {
	WorkspaceID string `json:"wid"`
	Origin      string `json:"origin,omitempty"`
	jwt.RegisteredClaims
}

func (v *Verifier) verifyJWT(ctx context.Context, tok, requestOrigin string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tok, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		jc, ok := t.Claims.(*jwtClaims)
		if !ok || jc.WorkspaceID == "" {
			return nil, ErrMalformedToken
		}
		secret, err := v.keys.GetWorkspaceSecret(ctx, jc.WorkspaceID)
		if err != nil {
			v.logger.ErrorContext(ctx, "workspace signing key lookup failed",
				slog.String("workspace_id", jc.WorkspaceID),
				slog.String("error", err.Error()),
			)
			return nil, ErrKeyNotConfigured
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, ErrKeyNotConfigured):
			return nil, ErrKeyNotConfigured
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformedToken
		}
	}

	jc := parsed.Claims.(*jwtClaims)
	claims := &Claims{WorkspaceID: jc.WorkspaceID, Origin: jc.Origin}
	if jc.ExpiresAt != nil {
		claims.ExpiresAt = jc.ExpiresAt.Unix()
	}
	if claims.ExpiresAt == 0 {
		// Tokens without an expiry are never acceptable on a public
		// write path.
		return nil, ErrTokenExpired
	}

	if err := v.checkOrigin(ctx, claims, requestOrigin); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) checkOrigin(ctx context.Context, claims *Claims, requestOrigin string) error {
	if claims.Origin == "" || claims.Origin == requestOrigin {
		return nil
	}
	if v.enforceOrigin {
		return ErrOriginMismatch
	}
	v.logger.WarnContext(ctx, "token origin mismatch",
		slog.String("workspace_id", claims.WorkspaceID),
		slog.String("token_origin", claims.Origin),
		slog.String("request_origin", requestOrigin),
	)
	return nil
}

// Mint creates a compact two-segment token for workspaceID, signed
// with secret. Used by the seeder and by workspace provisioning.
func Mint(workspaceID, secret, origin string, ttl time.Duration) (string, error) {
	claims := Claims{
		WorkspaceID: workspaceID,
		ExpiresAt:   time.Now().Add(ttl).Unix(),
		Origin:      origin,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encoded + "." + signature, nil
}
