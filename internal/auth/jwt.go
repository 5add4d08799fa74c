package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pointdeck/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims represents the claims in an access token. The core only validates
// tokens; issuance and refresh live on the external auth surface.
type Claims struct {
	jwt.RegisteredClaims
	Email string      `json:"email"`
	Tier  models.Tier `json:"tier"`
}

// TokenValidator validates presented access tokens.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator creates a validator for HMAC-signed tokens.
func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate checks signature and expiry and returns the claims.
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
