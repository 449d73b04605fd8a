package device

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device  // by account/deviceID
	sessions map[string]*Session // by account/sessionID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		sessions: make(map[string]*Session),
	}
}

func key(account, id string) string {
	return strings.ToLower(account) + "/" + id
}

func (s *MemoryStore) UpsertDevice(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if d.Attributes != nil {
		cp.Attributes = make(map[string]string, len(d.Attributes))
		for k, v := range d.Attributes {
			cp.Attributes[k] = v
		}
	}
	s.devices[key(d.Account, d.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, account, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[key(account, deviceID)]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDeviceByFingerprint(_ context.Context, account, fingerprint string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Account == account && d.Fingerprint == fingerprint {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (s *MemoryStore) ListDevices(_ context.Context, account string) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Device
	for _, d := range s.devices {
		if d.Account == account {
			cp := *d
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) DeleteDevice(_ context.Context, account, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(account, deviceID)
	if _, ok := s.devices[k]; !ok {
		return ErrDeviceNotFound
	}
	delete(s.devices, k)
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[key(sess.Account, sess.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetSessionByHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) GetSession(_ context.Context, account, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key(account, sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, account string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.Account == account {
			cp := *sess
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(sess.Account, sess.ID)
	if _, ok := s.sessions[k]; !ok {
		return ErrSessionNotFound
	}
	cp := *sess
	s.sessions[k] = &cp
	return nil
}

func (s *MemoryStore) TouchSession(_ context.Context, account, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key(account, sessionID)]
	if !ok {
		return ErrSessionNotFound
	}
	sess.LastActivity = at
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, account string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Account == account && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RevokeByDevice(_ context.Context, account, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Account == account && sess.DeviceID == deviceID && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n, nil
}
