package riskpolicy

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	limits    map[string]*Limit          // by account/window
	whitelist map[string]*WhitelistEntry // by account/address
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:    make(map[string]*Limit),
		whitelist: make(map[string]*WhitelistEntry),
	}
}

func limitKey(account string, w Window) string {
	return strings.ToLower(account) + "/" + string(w)
}

func wlKey(account, address string) string {
	return strings.ToLower(account) + "/" + strings.ToLower(address)
}

func (s *MemoryStore) GetLimits(_ context.Context, account string) ([]*Limit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Limit
	for _, l := range s.limits {
		if l.Account == account {
			cp := *l
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveLimit(_ context.Context, l *Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.limits[limitKey(l.Account, l.Window)] = &cp
	return nil
}

func (s *MemoryStore) AddWhitelist(_ context.Context, e *WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.whitelist[wlKey(e.Account, e.Address)] = &cp
	return nil
}

func (s *MemoryStore) RemoveWhitelist(_ context.Context, account, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := wlKey(account, address)
	if _, ok := s.whitelist[k]; !ok {
		return ErrNotWhitelisted
	}
	delete(s.whitelist, k)
	return nil
}

func (s *MemoryStore) ListWhitelist(_ context.Context, account string) ([]*WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*WhitelistEntry
	for _, e := range s.whitelist {
		if e.Account == account {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) IsWhitelisted(_ context.Context, account, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.whitelist[wlKey(account, address)]
	return ok, nil
}
