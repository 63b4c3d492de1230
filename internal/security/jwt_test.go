package security_test

import (
	"testing"
	"time"

	"github.com/Rrens/codex-chat/internal/security"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	manager := security.NewJWTManager("test-secret-key-with-32-chars!!", time.Hour)

	token, err := manager.GenerateToken("65f1c0ffee0000000000abcd", "Alice")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if token == "" {
		t.Error("token is empty")
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}

	if claims.UserID() != "65f1c0ffee0000000000abcd" {
		t.Errorf("user ID mismatch: got %v", claims.UserID())
	}

	if claims.Name != "Alice" {
		t.Errorf("name mismatch: got %v, want Alice", claims.Name)
	}
}

func TestJWTManager_EmptyUserID(t *testing.T) {
	manager := security.NewJWTManager("secret", time.Hour)

	if _, err := manager.GenerateToken("", "Alice"); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestJWTManager_WrongSecret(t *testing.T) {
	manager1 := security.NewJWTManager("secret-one", time.Hour)
	manager2 := security.NewJWTManager("secret-two", time.Hour)

	token, err := manager1.GenerateToken("user-1", "Alice")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := manager2.ValidateToken(token); err == nil {
		t.Error("expected error when validating with a different secret")
	}
}

func TestJWTManager_Expired(t *testing.T) {
	manager := security.NewJWTManager("secret", -time.Minute)

	token, err := manager.GenerateToken("user-1", "Alice")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := manager.ValidateToken(token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestJWTManager_WrongIssuer(t *testing.T) {
	secret := "secret"
	claims := security.Claims{
		Name: "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	manager := security.NewJWTManager(secret, time.Hour)
	if _, err := manager.ValidateToken(token); err == nil {
		t.Error("expected error for foreign issuer")
	}
}
