package common

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the data stored in a trailchat bearer token
type Claims struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed bearer token for a user. Used by the
// reference server and by tests; the mobile client only ever consumes
// tokens minted elsewhere.
func GenerateToken(secret []byte, userID, handle string) (string, error) {
	claims := &Claims{
		UserID: userID,
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "trailchat",
			Subject:   "user-auth",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(secret)
}

// ValidToken verifies the signature and expiry and returns the claims
func ValidToken(secret []byte, tokenstring string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenstring, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// UserIDFromToken extracts the user id claim without verifying the
// signature. The client holds no signing secret; the server is the one
// that authenticates tokens, the client only needs its own identity.
func UserIDFromToken(tokenstring string) (string, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenstring, claims); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", errors.New("token carries no user id")
	}
	return claims.UserID, nil
}
