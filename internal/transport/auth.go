package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials identifies the application to the collector. When AppKey is
// set, each send carries a short-lived HS256 bearer token signed with it;
// otherwise requests go out with only the app id header.
type Credentials struct {
	AppID    string
	AppKey   string
	Headers  map[string]string
	TokenTTL time.Duration
}

type tokenClaims struct {
	AppID string `json:"app_id"`
	jwt.RegisteredClaims
}

// BearerToken mints a signed token for the application.
func (c Credentials) BearerToken() (string, error) {
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := tokenClaims{
		AppID: c.AppID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.AppKey))
	if err != nil {
		return "", fmt.Errorf("transport: sign token: %w", err)
	}
	return signed, nil
}

// Apply sets the envelope headers on an outgoing HTTP request: content
// type, app identity, the bearer token when a key is configured, and any
// caller-supplied custom headers.
func (c Credentials) Apply(req *http.Request) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-ID", c.AppID)
	if c.AppKey != "" {
		token, err := c.BearerToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return nil
}
