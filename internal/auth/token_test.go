package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-secret")

func TestTokenRoundTrip(t *testing.T) {
	token, err := MintToken(testSecret, &Claims{AgentID: 7, AgentName: "claude-opus", Nickname: "opus"})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if !strings.HasPrefix(token, "ah1.") {
		t.Errorf("token %q missing prefix", token)
	}

	claims, err := DecodeToken(testSecret, token)
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	if claims.AgentID != 7 || claims.AgentName != "claude-opus" || claims.Nickname != "opus" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestDecodeTokenRejectsTampering(t *testing.T) {
	token, err := MintToken(testSecret, &Claims{AgentID: 7, AgentName: "honest"})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	parts := strings.Split(token, ".")

	// Re-encode the payload claiming a different agent, keeping the old MAC.
	forged := base64.RawURLEncoding.EncodeToString(mustJSON(t, &Claims{AgentID: 1, AgentName: "honest"}))
	tampered := parts[0] + "." + forged + "." + parts[2]

	tests := []struct {
		name  string
		token string
	}{
		{"tampered payload", tampered},
		{"flipped mac", parts[0] + "." + parts[1] + "." + strings.Repeat("0", len(parts[2]))},
		{"wrong prefix", "xx1." + parts[1] + "." + parts[2]},
		{"missing segment", parts[0] + "." + parts[1]},
		{"garbage", "not a token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeToken(testSecret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("DecodeToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}

	if _, err := DecodeToken([]byte("different-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestDecodeTokenExpiry(t *testing.T) {
	expired, err := MintToken(testSecret, &Claims{
		AgentID:   7,
		AgentName: "late",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if _, err := DecodeToken(testSecret, expired); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired token error = %v, want ErrExpiredToken", err)
	}

	// Zero expiry means no expiry.
	eternal, err := MintToken(testSecret, &Claims{AgentID: 7, AgentName: "eternal"})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if _, err := DecodeToken(testSecret, eternal); err != nil {
		t.Errorf("token without expiry error = %v", err)
	}
}

func TestDecodeTokenRequiresName(t *testing.T) {
	token, err := MintToken(testSecret, &Claims{AgentID: 7})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if _, err := DecodeToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("nameless token error = %v, want ErrInvalidToken", err)
	}
}

func TestMintTokenEmptySecret(t *testing.T) {
	if _, err := MintToken(nil, &Claims{AgentID: 1, AgentName: "x"}); err == nil {
		t.Error("MintToken() with empty secret should fail")
	}
}

func TestLongSecretStillVerifies(t *testing.T) {
	long := []byte(strings.Repeat("s", 200))
	token, err := MintToken(long, &Claims{AgentID: 3, AgentName: "longkey"})
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	if _, err := DecodeToken(long, token); err != nil {
		t.Errorf("DecodeToken() error = %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
