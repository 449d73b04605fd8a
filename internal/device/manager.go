package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/idgen"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
)

// DefaultSessionTTL is how long a session lives without explicit revocation.
const DefaultSessionTTL = 24 * time.Hour

// Manager handles device trust and session lifecycle.
type Manager struct {
	store      Store
	auditLog   *audit.Log
	sessionTTL time.Duration
}

// NewManager creates a device/session manager.
func NewManager(store Store, auditLog *audit.Log) *Manager {
	return &Manager{
		store:      store,
		auditLog:   auditLog,
		sessionTTL: DefaultSessionTTL,
	}
}

// WithSessionTTL overrides the session lifetime.
func (m *Manager) WithSessionTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.sessionTTL = ttl
	}
	return m
}

// Identify upserts a device by fingerprint. New attributes are merged over
// existing ones and LastSeen is bumped.
func (m *Manager) Identify(ctx context.Context, account, fingerprint, name string, attrs map[string]string) (*Device, error) {
	account = strings.ToLower(account)
	now := time.Now()

	existing, err := m.store.GetDeviceByFingerprint(ctx, account, fingerprint)
	if err == nil {
		if name != "" {
			existing.Name = name
		}
		if existing.Attributes == nil {
			existing.Attributes = make(map[string]string)
		}
		for k, v := range attrs {
			existing.Attributes[k] = v
		}
		existing.LastSeen = now
		if err := m.store.UpsertDevice(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	d := &Device{
		ID:          idgen.WithPrefix("dev_"),
		Account:     account,
		Fingerprint: fingerprint,
		Name:        name,
		Attributes:  attrs,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := m.store.UpsertDevice(ctx, d); err != nil {
		return nil, err
	}
	m.record(ctx, account, "device_identified", audit.SeverityInfo, map[string]string{"deviceId": d.ID})
	return d, nil
}

// SetTrusted marks a device trusted or untrusted. The device the caller's
// own session is bound to cannot be untrusted; that would let a hijacked
// session quietly demote the device it rode in on.
func (m *Manager) SetTrusted(ctx context.Context, account, deviceID string, trusted bool, currentSessionID string) (*Device, error) {
	account = strings.ToLower(account)

	if !trusted && currentSessionID != "" {
		current, err := m.store.GetSession(ctx, account, currentSessionID)
		if err == nil && current.DeviceID == deviceID {
			return nil, ErrCurrentDevice
		}
	}

	d, err := m.store.GetDevice(ctx, account, deviceID)
	if err != nil {
		return nil, err
	}
	d.Trusted = trusted
	if err := m.store.UpsertDevice(ctx, d); err != nil {
		return nil, err
	}
	event := "device_trusted"
	severity := audit.SeverityInfo
	if !trusted {
		event = "device_untrusted"
		severity = audit.SeverityWarning
	}
	m.record(ctx, account, event, severity, map[string]string{"deviceId": d.ID})
	return d, nil
}

// RemoveDevice deletes a device and revokes its sessions. The device the
// caller's own session is bound to cannot be removed; untrusting it first
// does not bypass the guard.
func (m *Manager) RemoveDevice(ctx context.Context, account, deviceID, currentSessionID string) error {
	account = strings.ToLower(account)

	if currentSessionID != "" {
		current, err := m.store.GetSession(ctx, account, currentSessionID)
		if err == nil && current.DeviceID == deviceID {
			return ErrCurrentDevice
		}
	}

	if _, err := m.store.GetDevice(ctx, account, deviceID); err != nil {
		return err
	}
	revoked, err := m.store.RevokeByDevice(ctx, account, deviceID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteDevice(ctx, account, deviceID); err != nil {
		return err
	}
	metrics.ActiveSessions.Sub(float64(revoked))
	m.record(ctx, account, "device_removed", audit.SeverityWarning, map[string]string{
		"deviceId": deviceID,
	})
	return nil
}

// ListDevices returns all known devices for an account.
func (m *Manager) ListDevices(ctx context.Context, account string) ([]*Device, error) {
	return m.store.ListDevices(ctx, strings.ToLower(account))
}

// --- Sessions ---

// CreateSession issues a new session on a device. The raw bearer token is
// returned exactly once; only its hash is stored.
func (m *Manager) CreateSession(ctx context.Context, account, deviceID, ip string) (rawToken string, session *Session, err error) {
	account = strings.ToLower(account)

	d, err := m.store.GetDevice(ctx, account, deviceID)
	if err != nil {
		return "", nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawToken = "ast_" + hex.EncodeToString(b)

	now := time.Now()
	session = &Session{
		ID:           idgen.WithPrefix("ses_"),
		Account:      account,
		DeviceID:     deviceID,
		TokenHash:    hashToken(rawToken),
		IPAddress:    ip,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.sessionTTL),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return "", nil, err
	}

	metrics.ActiveSessions.Inc()
	severity := audit.SeverityInfo
	if !d.Trusted {
		severity = audit.SeverityWarning
	}
	m.record(ctx, account, "session_created", severity, map[string]string{
		"sessionId": session.ID,
		"deviceId":  deviceID,
	})
	return rawToken, session, nil
}

// ValidateToken resolves a bearer token to its session. Every call reads
// the store fresh so revocation is effective immediately. LastActivity is
// refreshed in the background.
func (m *Manager) ValidateToken(ctx context.Context, rawToken string) (*Session, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)
	if !strings.HasPrefix(rawToken, "ast_") {
		return nil, ErrInvalidToken
	}

	s, err := m.store.GetSessionByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !s.Active(time.Now()) {
		return nil, ErrInvalidToken
	}

	// Sliding activity update (fire and forget). The store bumps its own
	// record so the session returned to the caller is never written to.
	account, sessionID := s.Account, s.ID
	go func() {
		if err := m.store.TouchSession(context.Background(), account, sessionID, time.Now()); err != nil {
			logging.L(ctx).Debug("session activity update failed", "session", sessionID, "error", err)
		}
	}()

	return s, nil
}

// RevokeSession revokes a single session.
func (m *Manager) RevokeSession(ctx context.Context, account, sessionID string) error {
	account = strings.ToLower(account)
	s, err := m.store.GetSession(ctx, account, sessionID)
	if err != nil {
		return err
	}
	if s.Revoked {
		return nil
	}
	s.Revoked = true
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	m.record(ctx, account, "session_revoked", audit.SeverityInfo, map[string]string{"sessionId": sessionID})
	return nil
}

// RevokeAll revokes every session for the account and returns the count.
func (m *Manager) RevokeAll(ctx context.Context, account string) (int, error) {
	account = strings.ToLower(account)
	n, err := m.store.RevokeAll(ctx, account)
	if err != nil {
		return 0, err
	}
	metrics.ActiveSessions.Sub(float64(n))
	m.record(ctx, account, "sessions_revoked_all", audit.SeverityWarning, nil)
	return n, nil
}

// ListSessions returns the account's sessions.
func (m *Manager) ListSessions(ctx context.Context, account string) ([]*Session, error) {
	return m.store.ListSessions(ctx, strings.ToLower(account))
}

// CountActive reports trusted devices and active sessions (for scoring).
func (m *Manager) CountActive(ctx context.Context, account string) (trustedDevices, activeSessions int, err error) {
	account = strings.ToLower(account)
	devices, err := m.store.ListDevices(ctx, account)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range devices {
		if d.Trusted {
			trustedDevices++
		}
	}
	sessions, err := m.store.ListSessions(ctx, account)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()
	for _, s := range sessions {
		if s.Active(now) {
			activeSessions++
		}
	}
	return trustedDevices, activeSessions, nil
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func (m *Manager) record(ctx context.Context, account, event string, severity audit.Severity, details map[string]string) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Record(ctx, account, event, severity, details); err != nil {
		logging.L(ctx).Error("failed to record audit event", "event", event, "error", err)
	}
}
