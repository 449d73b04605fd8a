package emergency

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]*State
	contacts map[string][]*TrustedContact
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]*State),
		contacts: make(map[string][]*TrustedContact),
	}
}

func (s *MemoryStore) GetState(_ context.Context, account string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[account]
	if !ok {
		return &State{Account: account}, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) SaveState(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.states[st.Account] = &cp
	return nil
}

func (s *MemoryStore) AddContact(_ context.Context, c *TrustedContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.Account] = append(s.contacts[c.Account], &cp)
	return nil
}

func (s *MemoryStore) RemoveContact(_ context.Context, account, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.contacts[account]
	for i, c := range list {
		if c.ID == contactID {
			s.contacts[account] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrContactMissing
}

func (s *MemoryStore) ListContacts(_ context.Context, account string) ([]*TrustedContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*TrustedContact
	for _, c := range s.contacts[account] {
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}
