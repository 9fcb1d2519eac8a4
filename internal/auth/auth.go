// Package auth issues and verifies agent bearer tokens.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AgentClaims is the JWT payload bound to one agent registration.
type AgentClaims struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	jwt.RegisteredClaims
}

// Manager mints and verifies agent tokens. Tokens are long-lived; agents
// hold them for their whole registration.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager. ttl <= 0 means one year.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// MintAgentToken returns a signed token for the agent.
func (m *Manager) MintAgentToken(agentID, hostname string) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		AgentID:  agentID,
		Hostname: hostname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Issuer:    "deploybot",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyAgentToken validates a token and returns its claims.
func (m *Manager) VerifyAgentToken(tokenString string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// HashToken returns a bcrypt hash of the token for at-rest storage. The
// plaintext is only ever returned once, at registration.
func HashToken(token string) (string, error) {
	// bcrypt rejects inputs over 72 bytes; JWTs are longer, so hash a
	// fixed-length digest of the token instead.
	digest := tokenDigest(token)
	hash, err := bcrypt.GenerateFromPassword(digest, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// CheckToken compares a presented token with a stored hash.
func CheckToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), tokenDigest(token)) == nil
}

func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
