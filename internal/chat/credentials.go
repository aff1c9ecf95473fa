package chat

import (
	"fmt"
	"os"

	"trailchat/internal/common"
)

// CredentialStore supplies the bearer token and user identity the
// engine needs before any connect, join or send. An absent token or id
// is fatal for the operation at hand and requires re-login.
type CredentialStore interface {
	Token() (string, error)
	UserID() (string, error)
}

// StaticCredentials holds a token handed over at login and derives the
// user id from the token's claims.
type StaticCredentials struct {
	token  string
	userID string
}

func NewStaticCredentials(token string) (*StaticCredentials, error) {
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	userID, err := common.UserIDFromToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return &StaticCredentials{token: token, userID: userID}, nil
}

// CredentialsFromEnv builds credentials from the CHAT_TOKEN environment
// variable. Convenient for the dev CLI and tests.
func CredentialsFromEnv() (*StaticCredentials, error) {
	return NewStaticCredentials(os.Getenv("CHAT_TOKEN"))
}

func (c *StaticCredentials) Token() (string, error) {
	if c.token == "" {
		return "", ErrNotAuthenticated
	}
	return c.token, nil
}

func (c *StaticCredentials) UserID() (string, error) {
	if c.userID == "" {
		return "", ErrNotAuthenticated
	}
	return c.userID, nil
}
