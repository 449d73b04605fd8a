package approval

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	txs     map[string]*PendingTx // by account/id
	signers map[string][]*Signer  // by account
	configs map[string]*SignerConfig
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:     make(map[string]*PendingTx),
		signers: make(map[string][]*Signer),
		configs: make(map[string]*SignerConfig),
	}
}

func txKey(account, id string) string {
	return strings.ToLower(account) + "/" + id
}

func copyTx(tx *PendingTx) *PendingTx {
	cp := *tx
	cp.Approvals = append([]Vote(nil), tx.Approvals...)
	if tx.Rejection != nil {
		r := *tx.Rejection
		cp.Rejection = &r
	}
	return &cp
}

func (s *MemoryStore) CreateTx(_ context.Context, tx *PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[txKey(tx.Account, tx.ID)] = copyTx(tx)
	return nil
}

func (s *MemoryStore) GetTx(_ context.Context, account, id string) (*PendingTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[txKey(account, id)]
	if !ok {
		return nil, ErrTxNotFound
	}
	return copyTx(tx), nil
}

func (s *MemoryStore) UpdateTx(_ context.Context, tx *PendingTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := txKey(tx.Account, tx.ID)
	if _, ok := s.txs[k]; !ok {
		return ErrTxNotFound
	}
	s.txs[k] = copyTx(tx)
	return nil
}

func (s *MemoryStore) ListTx(_ context.Context, account string, status TxStatus) ([]*PendingTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*PendingTx
	for _, tx := range s.txs {
		if tx.Account != account {
			continue
		}
		if status != "" && tx.Status != status {
			continue
		}
		result = append(result, copyTx(tx))
	}
	return result, nil
}

func (s *MemoryStore) CancelAllPending(_ context.Context, account, reason string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Single pass under the store lock: the batch is atomic with respect
	// to every other store operation.
	var ids []string
	for _, tx := range s.txs {
		if tx.Account == account && tx.Status == StatusPending {
			tx.Status = StatusRejected
			tx.Rejection = &Rejection{Reason: reason, At: at}
			tx.CancelReason = reason
			tx.ResolvedAt = at
			ids = append(ids, tx.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) DeleteResolvedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, tx := range s.txs {
		if tx.Status.Terminal() && !tx.ResolvedAt.IsZero() && tx.ResolvedAt.Before(cutoff) {
			delete(s.txs, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AddSigner(_ context.Context, sg *Signer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sg
	s.signers[sg.Account] = append(s.signers[sg.Account], &cp)
	return nil
}

func (s *MemoryStore) RemoveSigner(_ context.Context, account, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.signers[account]
	for i, sg := range list {
		if sg.Address == address {
			s.signers[account] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrSignerNotFound
}

func (s *MemoryStore) ListSigners(_ context.Context, account string) ([]*Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Signer
	for _, sg := range s.signers[account] {
		cp := *sg
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) GetConfig(_ context.Context, account string) (*SignerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[account]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, c *SignerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.configs[c.Account] = &cp
	return nil
}
