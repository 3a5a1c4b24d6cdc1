package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingEmail = errors.New("token carries no identity")
)

// Claims mirrors what the account service issues: the learner's email plus the
// registered claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Verifier checks HS256 tokens and yields the verified identity string.
// Token issuance lives in the account service; Issue exists for tests and tooling.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Identity returns the email claim, falling back to the subject.
func (v *Verifier) Identity(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Email != "" {
		return claims.Email, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", ErrMissingEmail
}

func (v *Verifier) Issue(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
