package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
)

const acct = "0xBbB0000000000000000000000000000000000002"

func newTestManager() *Manager {
	return NewManager(NewMemoryStore(), audit.NewLog(audit.NewMemoryStore()))
}

func TestIdentifyUpsert(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d1, err := m.Identify(ctx, acct, "fp-123", "MacBook", map[string]string{"os": "macOS"})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if d1.Trusted {
		t.Error("new devices must start untrusted")
	}

	// Same fingerprint: merge, not duplicate
	d2, err := m.Identify(ctx, acct, "fp-123", "", map[string]string{"browser": "Safari"})
	if err != nil {
		t.Fatalf("Identify again: %v", err)
	}
	if d2.ID != d1.ID {
		t.Fatal("same fingerprint must map to the same device")
	}
	if d2.Name != "MacBook" || d2.Attributes["os"] != "macOS" || d2.Attributes["browser"] != "Safari" {
		t.Errorf("attributes not merged: %+v", d2)
	}

	devices, _ := m.ListDevices(ctx, acct)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
}

func TestTrustAndSessions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "Phone", nil)
	if _, err := m.SetTrusted(ctx, acct, d.ID, true, ""); err != nil {
		t.Fatalf("SetTrusted: %v", err)
	}

	raw, sess, err := m.CreateSession(ctx, acct, d.ID, "203.0.113.9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if raw == "" || sess.TokenHash == raw {
		t.Fatal("raw token must be returned and never stored verbatim")
	}

	got, err := m.ValidateToken(ctx, "Bearer "+raw)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("wrong session resolved")
	}

	trusted, active, err := m.CountActive(ctx, acct)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if trusted != 1 || active != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", trusted, active)
	}
}

func TestRevocationIsImmediate(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "", nil)
	raw, sess, _ := m.CreateSession(ctx, acct, d.ID, "")

	if err := m.RevokeSession(ctx, acct, sess.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := m.ValidateToken(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token must fail validation, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "", nil)
	raw1, _, _ := m.CreateSession(ctx, acct, d.ID, "")
	raw2, _, _ := m.CreateSession(ctx, acct, d.ID, "")

	n, err := m.RevokeAll(ctx, acct)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 revoked, got %d", n)
	}
	for _, raw := range []string{raw1, raw2} {
		if _, err := m.ValidateToken(ctx, raw); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token still valid after revoke-all")
		}
	}
}

func TestSessionExpiry(t *testing.T) {
	m := newTestManager().WithSessionTTL(time.Millisecond)
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "", nil)
	raw, _, _ := m.CreateSession(ctx, acct, d.ID, "")

	time.Sleep(5 * time.Millisecond)
	if _, err := m.ValidateToken(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestCurrentDeviceGuard(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d1, _ := m.Identify(ctx, acct, "fp-current", "", nil)
	d2, _ := m.Identify(ctx, acct, "fp-other", "", nil)
	_, sess, _ := m.CreateSession(ctx, acct, d1.ID, "")
	raw2, _, _ := m.CreateSession(ctx, acct, d2.ID, "")

	// Cannot delete the device the caller's session is on
	if err := m.RemoveDevice(ctx, acct, d1.ID, sess.ID); !errors.Is(err, ErrCurrentDevice) {
		t.Fatalf("expected ErrCurrentDevice, got %v", err)
	}

	// Another device can go; its sessions die with it
	if err := m.RemoveDevice(ctx, acct, d2.ID, sess.ID); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if _, err := m.ValidateToken(ctx, raw2); !errors.Is(err, ErrInvalidToken) {
		t.Error("sessions on a removed device must be revoked")
	}
	if _, err := m.store.GetDevice(ctx, "0xbbb0000000000000000000000000000000000002", d2.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Error("device record should be gone")
	}
}

func TestUntrustCurrentDeviceRefused(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "", nil)
	if _, err := m.SetTrusted(ctx, acct, d.ID, true, ""); err != nil {
		t.Fatalf("SetTrusted: %v", err)
	}
	_, sess, _ := m.CreateSession(ctx, acct, d.ID, "")

	// The session's own device cannot be demoted from itself.
	if _, err := m.SetTrusted(ctx, acct, d.ID, false, sess.ID); !errors.Is(err, ErrCurrentDevice) {
		t.Fatalf("expected ErrCurrentDevice, got %v", err)
	}
	got, _ := m.store.GetDevice(ctx, "0xbbb0000000000000000000000000000000000002", d.ID)
	if !got.Trusted {
		t.Error("trust flag must be unchanged after a refused demotion")
	}

	// Trusting it again from the same session is fine, as is untrusting
	// another device.
	if _, err := m.SetTrusted(ctx, acct, d.ID, true, sess.ID); err != nil {
		t.Fatalf("SetTrusted same device: %v", err)
	}
	other, _ := m.Identify(ctx, acct, "fp-2", "", nil)
	if _, err := m.SetTrusted(ctx, acct, other.ID, false, sess.ID); err != nil {
		t.Fatalf("SetTrusted other device: %v", err)
	}
}

func TestValidateTokenKeepsSessionImmutable(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	d, _ := m.Identify(ctx, acct, "fp-1", "", nil)
	raw, sess, _ := m.CreateSession(ctx, acct, d.ID, "")

	got, err := m.ValidateToken(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	// The returned session is a snapshot; the background activity bump goes
	// through the store, never through this struct.
	if !got.LastActivity.Equal(sess.LastActivity) {
		t.Errorf("returned session must carry the stored activity time")
	}

	if err := m.store.TouchSession(ctx, sess.Account, sess.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	stored, _ := m.store.GetSession(ctx, sess.Account, sess.ID)
	if !stored.LastActivity.After(sess.LastActivity) {
		t.Error("store must record the bumped activity time")
	}
	if !got.LastActivity.Equal(sess.LastActivity) {
		t.Error("previously returned session must be untouched")
	}
}

func TestValidateTokenShape(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	for _, tok := range []string{"", "garbage", "sk_deadbeef", "ast_doesnotexist"} {
		if _, err := m.ValidateToken(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("ValidateToken(%q) = %v, want ErrInvalidToken", tok, err)
		}
	}
}
