package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTokenRequired = errors.New("authorization required")
	ErrInvalidToken  = errors.New("invalid token")
)

// Service guards the local bridge with a single shared bearer token. An empty
// token leaves the bridge open.
type Service struct {
	token      string
	headerName string
	queryName  string
}

// NewService constructs an auth service for the supplied bridge token.
func NewService(token string) *Service {
	return &Service{
		token:      strings.TrimSpace(token),
		headerName: "Authorization",
		queryName:  "access_token",
	}
}

// Enabled reports whether requests must carry the token.
func (s *Service) Enabled() bool {
	return s.token != ""
}

// ValidateToken compares the presented token against the configured one in
// constant time.
func (s *Service) ValidateToken(presented string) error {
	if !s.Enabled() {
		return nil
	}
	if presented == "" {
		return ErrTokenRequired
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken returns a random hex token suitable for the bridge.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
