// Package device tracks known devices per account and the sessions bound
// to them.
//
// Devices are identified by a client-supplied fingerprint and can be
// marked trusted. Sessions carry a bearer token shown once at creation;
// only its SHA-256 hash is stored. Revocation takes effect on the next
// validation because every validation reads the store fresh.
package device

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrDeviceNotFound  = errors.New("device: device not found")
	ErrSessionNotFound = errors.New("device: session not found")
	ErrInvalidToken    = errors.New("device: invalid or expired session token")
	ErrCurrentDevice   = errors.New("device: operation not allowed on the current session's device")
)

// Device is a known client device.
type Device struct {
	ID          string            `json:"id"`
	Account     string            `json:"account"`
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name,omitempty"`
	Trusted     bool              `json:"trusted"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	FirstSeen   time.Time         `json:"firstSeen"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// Session is an authenticated session bound to a device.
type Session struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	DeviceID     string    `json:"deviceId"`
	TokenHash    string    `json:"-"`
	IPAddress    string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Revoked      bool      `json:"revoked"`
}

// Active reports whether the session is currently usable.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Store persists devices and sessions.
type Store interface {
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, account, deviceID string) (*Device, error)
	GetDeviceByFingerprint(ctx context.Context, account, fingerprint string) (*Device, error)
	ListDevices(ctx context.Context, account string) ([]*Device, error)
	DeleteDevice(ctx context.Context, account, deviceID string) error

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByHash(ctx context.Context, hash string) (*Session, error)
	GetSession(ctx context.Context, account, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, account string) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// TouchSession bumps the session's last-activity timestamp in place.
	TouchSession(ctx context.Context, account, sessionID string, at time.Time) error
	// RevokeAll marks every active session revoked and returns how many.
	RevokeAll(ctx context.Context, account string) (int, error)
	// RevokeByDevice revokes all sessions bound to a device.
	RevokeByDevice(ctx context.Context, account, deviceID string) (int, error)
}
