// Package auth verifies viewer bearer tokens presented to the orchestrator.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is the tolerance applied when checking token expiry.
const clockSkew = 30 * time.Second

// Dev-mode fixed identity. Accepted only when no real verification
// material is configured and dev mode is explicitly enabled.
const (
	DevToken  = "dev-token"
	DevUserID = "dev-user"
)

// Verification failure reasons. Each failure mode keeps its own error so
// callers never see a generic rejection.
var (
	ErrMalformed            = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrBadSignature         = errors.New("invalid token signature")
	ErrExpired              = errors.New("token expired")
	ErrMissingSubject       = errors.New("token has no subject claim")
	ErrNoVerificationKey    = errors.New("no verification key configured for algorithm")
	ErrInvalidDevToken      = errors.New("invalid development token")
)

// Verifier validates compact signed tokens. Symmetric (HS256) tokens are
// checked against the shared secret; asymmetric (ES256) tokens against a
// public key fetched once at startup and cached in memory.
type Verifier struct {
	secret []byte
	pubKey *ecdsa.PublicKey
	dev    bool
	parser *jwt.Parser
}

// Options configures a Verifier.
type Options struct {
	Secret    string
	PublicKey *ecdsa.PublicKey
	// DevMode enables the fixed development identity. Ignored whenever a
	// secret or public key is present.
	DevMode bool
}

// NewVerifier builds a Verifier from the available verification material.
func NewVerifier(opts Options) *Verifier {
	v := &Verifier{
		pubKey: opts.PublicKey,
		parser: jwt.NewParser(
			jwt.WithLeeway(clockSkew),
			jwt.WithExpirationRequired(),
		),
	}
	if opts.Secret != "" {
		v.secret = []byte(opts.Secret)
	}
	if opts.DevMode && v.secret == nil && v.pubKey == nil {
		v.dev = true
	}
	return v
}

// DevMode reports whether the fixed development identity is active.
func (v *Verifier) DevMode() bool {
	return v.dev
}

// Verify validates a bearer token and returns the authenticated user
// identifier from its subject claim.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if v.dev {
		if tokenString == DevToken {
			return DevUserID, nil
		}
		return "", ErrInvalidDevToken
	}

	token, err := v.parser.Parse(tokenString, v.keyFor)
	if err != nil {
		return "", classify(err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrMissingSubject
	}
	return sub, nil
}

// keyFor selects the verification key from the token header's algorithm.
// The signature comparison for the symmetric path is constant-time inside
// the jwt library (hmac.Equal).
func (v *Verifier) keyFor(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrUnsupportedAlgorithm
		}
		if v.secret == nil {
			return nil, ErrNoVerificationKey
		}
		return v.secret, nil
	case *jwt.SigningMethodECDSA:
		if token.Method.Alg() != jwt.SigningMethodES256.Alg() {
			return nil, ErrUnsupportedAlgorithm
		}
		if v.pubKey == nil {
			return nil, ErrNoVerificationKey
		}
		return v.pubKey, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// classify maps jwt parse failures onto this package's error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return ErrUnsupportedAlgorithm
	case errors.Is(err, ErrNoVerificationKey):
		return ErrNoVerificationKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrExpired
	default:
		return fmt.Errorf("verify token: %w", err)
	}
}
