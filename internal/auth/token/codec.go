// Package token issues and validates the signed tokens used for email
// verification, password resets and sessions.
//
// Tokens are tamper-evident HMAC-SHA256 signed structures over the subject
// user, a purpose, a state fingerprint, a unique token id and an expiry,
// serialized in JWT compact form. The internal structure is an
// implementation detail, clients should treat tokens as opaque strings.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mackdin/authcore/internal/krypto"
)

// Purpose scopes a token to a single operation. A token issued for one
// purpose never validates for another.
type Purpose string

const (
	PurposeVerifyEmail   Purpose = "verify-email"
	PurposePasswordReset Purpose = "password-reset"
	PurposeAccess        Purpose = "access"
	PurposeRefresh       Purpose = "refresh"
)

var (
	// ErrMalformed indicates the token could not be decoded or parsed.
	ErrMalformed = errors.New("malformed token")
	// ErrBadSignature indicates the token was tampered with or signed with a different key.
	ErrBadSignature = errors.New("bad token signature")
	// ErrExpired indicates the token expiry has passed.
	ErrExpired = errors.New("expired token")
	// ErrWrongPurpose indicates the token was issued for a different purpose.
	ErrWrongPurpose = errors.New("wrong token purpose")
	// ErrStaleFingerprint indicates the subject state the token was bound to has changed.
	ErrStaleFingerprint = errors.New("stale token fingerprint")
)

const signingMethod = "HS256"

// Claims are the validated contents of a token.
type Claims struct {
	jwt.RegisteredClaims

	Purpose     Purpose `json:"prp"`
	Fingerprint string  `json:"fpt"`
}

// UserID returns the subject as a user id.
func (c Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrMalformed
	}
	return id, nil
}

// TokenID returns the unique id of the token itself. It's the key used
// to mark one-shot tokens as consumed.
func (c Claims) TokenID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return uuid.Nil, ErrMalformed
	}
	return id, nil
}

// Codec issues and validates signed tokens. The signing key is provided
// once at construction and never changes afterwards.
type Codec struct {
	key krypto.Key

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewCodec(key krypto.Key) (*Codec, error) {
	if key.IsZero() {
		return nil, krypto.ErrInvalidKey
	}

	return &Codec{
		key:     key,
		NowFunc: time.Now,
	}, nil
}

// Issue creates a signed token for the subject, bound to the purpose, the
// fingerprint and a ttl relative to the current time. Every issued token
// carries a fresh unique id.
func (c *Codec) Issue(subject uuid.UUID, purpose Purpose, fingerprint string, ttl time.Duration) (string, Claims, error) {
	now := c.NowFunc()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose:     purpose,
		Fingerprint: fingerprint,
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key.SecretValue())
	if err != nil {
		return "", Claims{}, err
	}

	return raw, claims, nil
}

// Validate checks the signature, expiry and purpose of a raw token and
// returns its claims. The signature is always verified before any claim
// is trusted. Failures map to the package error values, callers decide
// how much of that detail to expose.
func (c *Codec) Validate(raw string, purpose Purpose) (Claims, error) {
	var claims Claims

	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return c.key.SecretValue(), nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithTimeFunc(c.NowFunc),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, mapJWTErr(err)
	}

	if claims.Purpose != purpose {
		return Claims{}, ErrWrongPurpose
	}

	// Reject tokens without the ids later stages depend on.
	if _, err := claims.UserID(); err != nil {
		return Claims{}, err
	}

	if _, err := claims.TokenID(); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

func mapJWTErr(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}
