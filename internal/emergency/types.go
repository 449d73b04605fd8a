// Package emergency implements the account freeze / panic state machine.
//
// Freeze blocks all mutating operations until the owner unfreezes.
// Panic is a stronger, one-way escalation: it freezes the account,
// rejects every pending approval in one atomic batch, revokes all
// sessions, and notifies trusted contacts. Deactivating panic requires
// proving a TOTP or backup code, not just holding a session.
package emergency

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrAlreadyFrozen  = errors.New("emergency: account already frozen")
	ErrNotFrozen      = errors.New("emergency: account is not frozen")
	ErrPanicActive    = errors.New("emergency: panic mode active, stronger re-auth required")
	ErrPanicNotActive = errors.New("emergency: panic mode is not active")
	ErrContactExists  = errors.New("emergency: contact already registered")
	ErrContactMissing = errors.New("emergency: contact not found")
)

// State is an account's emergency posture.
type State struct {
	Account   string    `json:"account"`
	Frozen    bool      `json:"frozen"`
	PanicMode bool      `json:"panicMode"`
	Reason    string    `json:"reason,omitempty"`
	FrozenAt  time.Time `json:"frozenAt,omitempty"`
}

// TrustedContact is notified when the account enters an emergency state.
// The capability flags mark contacts the recovery desk may act on.
type TrustedContact struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Name        string    `json:"name"`
	Destination string    `json:"destination"` // email address or webhook URL
	CanUnfreeze bool      `json:"canUnfreeze"`
	CanRecover  bool      `json:"canRecover"`
	AddedAt     time.Time `json:"addedAt"`
}

// ApprovalCanceller rejects every pending approval for an account as one
// atomic batch.
type ApprovalCanceller interface {
	CancelAllPending(ctx context.Context, account, reason string) (int, error)
}

// SessionRevoker revokes all of an account's sessions.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, account string) (int, error)
}

// FactorChecker proves possession of a strong factor (TOTP or backup
// code). Required to leave panic mode.
type FactorChecker interface {
	CheckFactor(ctx context.Context, account, code string) error
}

// Notifier delivers emergency notifications out of band.
type Notifier interface {
	Notify(ctx context.Context, account, event string, details map[string]string)
}

// Store persists emergency state and trusted contacts.
type Store interface {
	// GetState returns the account's state; an account never seen before
	// gets a zero (unfrozen) state, not an error.
	GetState(ctx context.Context, account string) (*State, error)
	SaveState(ctx context.Context, s *State) error

	AddContact(ctx context.Context, c *TrustedContact) error
	RemoveContact(ctx context.Context, account, contactID string) error
	ListContacts(ctx context.Context, account string) ([]*TrustedContact, error)
}
