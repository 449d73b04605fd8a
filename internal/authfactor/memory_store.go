package authfactor

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	totp        map[string]*TOTPFactor         // by account
	codes       map[string][]*BackupCode       // by account
	credentials map[string]*WebAuthnCredential // by account+credID
	byAccount   map[string][]string            // account -> credential keys
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		totp:        make(map[string]*TOTPFactor),
		codes:       make(map[string][]*BackupCode),
		credentials: make(map[string]*WebAuthnCredential),
		byAccount:   make(map[string][]string),
	}
}

func credKey(account, id string) string {
	return strings.ToLower(account) + "/" + id
}

func (s *MemoryStore) GetTOTP(_ context.Context, account string) (*TOTPFactor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.totp[account]
	if !ok {
		return nil, ErrTOTPNotConfigured
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) SaveTOTP(_ context.Context, f *TOTPFactor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.totp[f.Account] = &cp
	return nil
}

func (s *MemoryStore) DeleteTOTP(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totp, account)
	return nil
}

func (s *MemoryStore) ReplaceBackupCodes(_ context.Context, account string, codes []*BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := make([]*BackupCode, len(codes))
	for i, c := range codes {
		cp := *c
		cps[i] = &cp
	}
	s.codes[account] = cps
	return nil
}

func (s *MemoryStore) ListBackupCodes(_ context.Context, account string) ([]*BackupCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*BackupCode
	for _, c := range s.codes[account] {
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ConsumeBackupCode(_ context.Context, account, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes[account] {
		if c.ID == codeID {
			if c.Used {
				return ErrCodeUsed
			}
			c.Used = true
			c.UsedAt = time.Now()
			return nil
		}
	}
	return ErrInvalidCode
}

func (s *MemoryStore) AddCredential(_ context.Context, c *WebAuthnCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey(c.Account, c.ID)
	if _, exists := s.credentials[key]; !exists {
		s.byAccount[c.Account] = append(s.byAccount[c.Account], key)
	}
	cp := *c
	s.credentials[key] = &cp
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, account, credentialID string) (*WebAuthnCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credKey(account, credentialID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context, account string) ([]*WebAuthnCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*WebAuthnCredential
	for _, key := range s.byAccount[account] {
		if c, ok := s.credentials[key]; ok {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, c *WebAuthnCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey(c.Account, c.ID)
	if _, ok := s.credentials[key]; !ok {
		return ErrCredentialNotFound
	}
	cp := *c
	s.credentials[key] = &cp
	return nil
}
