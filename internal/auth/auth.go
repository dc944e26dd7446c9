// Package auth covers account credentials: password hashing, the signed
// access tokens every API call carries, and Google sign-in verification.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken covers expired, malformed and forged access tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrInvalidCredentials deliberately doesn't say whether the account or
	// the password was wrong.
	ErrInvalidCredentials = errors.New("auth: incorrect username or password")
)

// accessTokenTTL is how long an access token stays valid. Long enough for a
// conversation, short enough that a leaked token ages out the same day.
const accessTokenTTL = 60 * time.Minute

// HashPassword returns the bcrypt hash stored in the user record.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Tokens mints and checks the HS256 access tokens.
type Tokens struct {
	secret []byte
}

// NewTokens builds a token signer. The secret must be configured; running
// with a guessable default would let anyone mint sessions.
func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is not configured")
	}
	return &Tokens{secret: []byte(secret)}, nil
}

// Create mints an access token for email.
func (t *Tokens) Create(email string) (string, error) {
	claims := jwt.MapClaims{
		"sub": email,
		"exp": jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify checks signature and expiry and returns the subject email.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}
