package users

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), []byte(strings.Repeat("k", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestRegisterAndAuthenticate(t *testing.T) {
	m := newTestManager(t)

	u, err := m.Register("alice", "s3cret-pass")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.ID == "" {
		t.Error("Expected generated user ID")
	}
	if u.PasswordHash != "" {
		t.Error("Register must not return password hash")
	}

	if _, err := m.Register("alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got %v", err)
	}

	got, err := m.Authenticate("alice", "s3cret-pass")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("Expected user %s, got %s", u.ID, got.ID)
	}

	if _, err := m.Authenticate("alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Expected ErrBadCredentials, got %v", err)
	}
	if _, err := m.Authenticate("nobody", "pw"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Expected ErrBadCredentials for unknown user, got %v", err)
	}
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	secret := []byte(strings.Repeat("k", 32))

	m1, err := NewManager(dir, secret, time.Hour)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	u, err := m1.Register("bob", "password1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m2, err := NewManager(dir, secret, time.Hour)
	if err != nil {
		t.Fatalf("NewManager reload failed: %v", err)
	}
	got, ok := m2.GetByID(u.ID)
	if !ok {
		t.Fatal("user not found after reload")
	}
	if got.Username != "bob" {
		t.Errorf("Expected username bob, got %s", got.Username)
	}
	if _, err := m2.Authenticate("bob", "password1"); err != nil {
		t.Errorf("Authenticate after reload failed: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	u, err := m.Register("carol", "pw-carol-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	token, err := m.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := m.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.UserID != u.ID || claims.Username != "carol" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestExpiredToken(t *testing.T) {
	dir := t.TempDir()
	secret := []byte(strings.Repeat("k", 32))
	m, err := NewManager(dir, secret, -time.Minute) // 签发即过期
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	u, err := m.Register("dave", "pw-dave-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	token, err := m.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := m.ParseToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestInvalidToken(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.ParseToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	// 其他密钥签发的令牌无效
	other, err := NewManager(t.TempDir(), []byte(strings.Repeat("x", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	u, err := other.Register("eve", "pw-eve-11")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token, err := other.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := m.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for foreign token, got %v", err)
	}
}
