package authfactor

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/idgen"
)

const (
	// ChallengeTTL bounds how long a ceremony may take.
	ChallengeTTL = 5 * time.Minute
	// maxChallenges caps outstanding challenges across all accounts so an
	// attacker cannot grow the map without bound.
	maxChallenges = 1000
)

// challengeStore holds live ceremony challenges. Challenges are ephemeral
// and deliberately not persisted: a server restart simply forces the client
// to restart the ceremony.
type challengeStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	byID map[string]*Challenge
}

func newChallengeStore() *challengeStore {
	return &challengeStore{
		ttl:  ChallengeTTL,
		max:  maxChallenges,
		byID: make(map[string]*Challenge),
	}
}

// create issues a new challenge, sweeping expired ones first.
func (cs *challengeStore) create(account, purpose string) (*Challenge, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("authfactor: generate challenge: %w", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	for id, ch := range cs.byID {
		if now.After(ch.ExpiresAt) {
			delete(cs.byID, id)
		}
	}
	if len(cs.byID) >= cs.max {
		return nil, ErrTooManyChallenges
	}

	ch := &Challenge{
		ID:        idgen.WithPrefix("chal_"),
		Account:   strings.ToLower(account),
		Purpose:   purpose,
		Value:     base64.RawURLEncoding.EncodeToString(b),
		ExpiresAt: now.Add(cs.ttl),
	}
	cs.byID[ch.ID] = ch
	return ch, nil
}

// take removes and returns the challenge. The removal happens regardless of
// outcome, so a challenge never survives its first verification attempt.
func (cs *challengeStore) take(account, purpose, id string) (*Challenge, error) {
	cs.mu.Lock()
	ch, ok := cs.byID[id]
	delete(cs.byID, id)
	cs.mu.Unlock()

	if !ok || ch.Account != strings.ToLower(account) || ch.Purpose != purpose {
		return nil, ErrChallengeNotFound
	}
	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// len reports live challenge count (for tests).
func (cs *challengeStore) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.byID)
}
