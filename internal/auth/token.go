// Package auth implements the identity verifier: bearer-token minting and
// verification, auto-assign resolution, and project permission checks. It
// never writes brain state and never holds connections.
package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Verification failure taxonomy.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
	ErrNoPermission = errors.New("no permission")
)

const tokenPrefix = "ah1"

// Claims is the signed payload carried by a bearer token.
type Claims struct {
	AgentID   int64  `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Nickname  string `json:"nickname,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix seconds; 0 = no expiry
}

// MintToken signs claims with the deployment secret and returns the bearer
// token string: "ah1.<base64url payload>.<hex mac>".
func MintToken(secret []byte, claims *Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	mac, err := sign(secret, payload)
	if err != nil {
		return "", err
	}
	return tokenPrefix + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		hex.EncodeToString(mac), nil
}

// DecodeToken verifies the signature and expiry of a bearer token and
// returns its claims. All malformed inputs map to ErrInvalidToken so the
// wire error never leaks parsing detail.
func DecodeToken(secret []byte, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	gotMAC, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	wantMAC, err := sign(secret, payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.AgentName == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

// sign computes a keyed BLAKE2b-256 MAC of the payload. Secrets longer than
// the BLAKE2b key limit are pre-hashed down to 32 bytes.
func sign(secret, payload []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	if len(secret) > 64 {
		sum := blake2b.Sum256(secret)
		secret = sum[:]
	}
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("init mac: %w", err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}
