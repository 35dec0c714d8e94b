// ABOUTME: JWT control tokens authorizing shutdown requests to instance proxies
// ABOUTME: HS256 tokens whose subject is the instance's project directory

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrMissingClaim    = errors.New("missing required claim")
	ErrSubjectMismatch = errors.New("token subject does not match instance")
)

// issuer marks tokens minted by the broker.
const issuer = "opencode-web-broker"

// JWTSigner mints and verifies HS256 control tokens with a shared secret.
type JWTSigner struct {
	secret []byte
	now    func() time.Time
}

// NewJWTSigner creates a signer. The secret must be at least 32 bytes.
func NewJWTSigner(secret []byte) (*JWTSigner, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("control secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return &JWTSigner{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the "sub" claim.
func (s *JWTSigner) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// VerifyFor validates the token and requires its subject to be cwd.
func (s *JWTSigner) VerifyFor(tokenString, cwd string) error {
	sub, err := s.Verify(tokenString)
	if err != nil {
		return err
	}
	if sub != cwd {
		return ErrSubjectMismatch
	}
	return nil
}

// Generate creates a control token for the instance serving cwd.
func (s *JWTSigner) Generate(cwd string, expiresIn time.Duration) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": cwd,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
