package identity

import (
	"testing"
	"time"
)

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, _, err := m.GenerateToken(User{ID: "u-1", DisplayName: "Test User"})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}

	if claims.UserID != "u-1" {
		t.Fatalf("claims.UserID mismatch: got %s", claims.UserID)
	}
	if claims.DisplayName != "Test User" {
		t.Fatalf("claims.DisplayName mismatch: got %s", claims.DisplayName)
	}
}

func TestJWTManager_Rotation(t *testing.T) {
	// two keys, k2 active; tokens signed with either must verify
	keys := map[string]string{"k1": "secret-one", "k2": "secret-two"}
	m := NewJWTManagerFromKeys(keys, "k2", 5*time.Minute)

	tkn2, _, err := m.GenerateToken(User{ID: "u-rot"})
	if err != nil {
		t.Fatalf("GenerateToken (k2) failed: %v", err)
	}
	if _, err := m.VerifyToken(tkn2); err != nil {
		t.Fatalf("VerifyToken (k2) failed: %v", err)
	}

	// emulate a previously-issued token signed with the older key
	mOld := NewJWTManagerFromKeys(keys, "k1", 5*time.Minute)
	tkn1, _, err := mOld.GenerateToken(User{ID: "u-rot"})
	if err != nil {
		t.Fatalf("GenerateToken (k1) failed: %v", err)
	}
	if _, err := m.VerifyToken(tkn1); err != nil {
		t.Fatalf("VerifyToken (old k1) failed: %v", err)
	}
}

func TestJWTManager_RejectsMissingUserID(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, _, err := m.GenerateToken(User{DisplayName: "no id"})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := m.VerifyToken(token); err == nil {
		t.Fatal("VerifyToken should reject a token without user_id")
	}
}

func TestJWTProvider_CurrentUser(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)
	token, _, err := m.GenerateToken(User{ID: "u-7", DisplayName: "Sarah", AvatarRef: "avatars/7"})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	p := NewJWTProvider(m, token)
	u, ok := p.CurrentUser()
	if !ok {
		t.Fatal("CurrentUser returned not-signed-in for a valid token")
	}
	if u.ID != "u-7" || u.DisplayName != "Sarah" || u.AvatarRef != "avatars/7" {
		t.Fatalf("unexpected user: %+v", u)
	}

	bad := NewJWTProvider(m, token+"tampered")
	if _, ok := bad.CurrentUser(); ok {
		t.Fatal("CurrentUser accepted a tampered token")
	}
}

func TestStaticProvider(t *testing.T) {
	if _, ok := (Static{}).CurrentUser(); ok {
		t.Fatal("empty Static provider should report not signed in")
	}
	u, ok := (Static{User: User{ID: "u-1"}}).CurrentUser()
	if !ok || u.ID != "u-1" {
		t.Fatalf("unexpected static user: %+v ok=%v", u, ok)
	}
}
