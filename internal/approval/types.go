// Package approval implements multi-signature authorization for large
// transfers.
//
// A transfer that exceeds the per-transaction cap becomes a pending
// transaction that registered signers approve or reject. Reaching the
// approval threshold executes the transfer exactly once; a single
// rejection is terminal. Pending transactions expire after 24 hours,
// applied lazily on read.
package approval

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrTxNotFound      = errors.New("approval: pending transaction not found")
	ErrNotPending      = errors.New("approval: transaction is not pending")
	ErrExpired         = errors.New("approval: transaction expired")
	ErrNotSigner       = errors.New("approval: address is not a registered signer")
	ErrAlreadyApproved = errors.New("approval: signer already approved")
	ErrSignerExists    = errors.New("approval: signer already registered")
	ErrSignerNotFound  = errors.New("approval: signer not found")
	ErrOwnerRemoval    = errors.New("approval: cannot remove the owner signer")
	ErrBadThreshold    = errors.New("approval: required approvals out of range")
	ErrBadRole         = errors.New("approval: unknown signer role")
	ErrRoleForbidden   = errors.New("approval: signer role cannot vote")
)

// TxStatus is the lifecycle state of a pending transaction.
type TxStatus string

const (
	StatusPending  TxStatus = "pending"
	StatusApproved TxStatus = "approved"
	StatusRejected TxStatus = "rejected"
	StatusExpired  TxStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s TxStatus) Terminal() bool {
	return s != StatusPending
}

// ApprovalTTL is how long a pending transaction stays approvable.
const ApprovalTTL = 24 * time.Hour

// RetentionPeriod is how long resolved transactions are kept before Sweep
// removes them.
const RetentionPeriod = 30 * 24 * time.Hour

// SignerRole determines what a signer may do. Owners and approvers vote;
// viewers only read.
type SignerRole string

const (
	RoleOwner    SignerRole = "owner"
	RoleApprover SignerRole = "approver"
	RoleViewer   SignerRole = "viewer"
)

// CanVote reports whether the role may approve or reject.
func (r SignerRole) CanVote() bool {
	return r == RoleOwner || r == RoleApprover
}

// Signer is an address allowed to approve or reject pending transactions.
type Signer struct {
	Account string     `json:"account"`
	Address string     `json:"address"`
	Role    SignerRole `json:"role"`
	AddedAt time.Time  `json:"addedAt"`
}

// SignerConfig holds the approval threshold.
type SignerConfig struct {
	Account           string `json:"account"`
	RequiredApprovals int    `json:"requiredApprovals"`
}

// Vote records one signer's approval.
type Vote struct {
	Signer string    `json:"signer"`
	At     time.Time `json:"at"`
}

// Rejection records the terminal rejection of a transaction.
type Rejection struct {
	Signer string    `json:"signer"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// PendingTx is a transfer awaiting multi-signature authorization.
type PendingTx struct {
	ID           string     `json:"id"`
	Account      string     `json:"account"`
	To           string     `json:"to"`
	Amount       string     `json:"amount"`
	Status       TxStatus   `json:"status"`
	Required     int        `json:"required"`
	Approvals    []Vote     `json:"approvals"`
	Rejection    *Rejection `json:"rejection,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	Executed     bool       `json:"executed"`
	TxHash       string     `json:"txHash,omitempty"`
	ExecuteError string     `json:"executeError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ResolvedAt   time.Time  `json:"resolvedAt,omitempty"`
}

// HasApproved reports whether the signer already voted.
func (tx *PendingTx) HasApproved(signer string) bool {
	for _, v := range tx.Approvals {
		if v.Signer == signer {
			return true
		}
	}
	return false
}

// Gateway executes an authorized transfer on the ledger. Implementations
// must bound the call by the context deadline.
type Gateway interface {
	Execute(ctx context.Context, account, to, amount string) (txHash string, err error)
}

// Committer records executed transfer amounts against spending limits.
type Committer interface {
	Commit(ctx context.Context, account, amount string) error
}

// Store persists pending transactions and signer configuration.
type Store interface {
	CreateTx(ctx context.Context, tx *PendingTx) error
	GetTx(ctx context.Context, account, id string) (*PendingTx, error)
	UpdateTx(ctx context.Context, tx *PendingTx) error
	ListTx(ctx context.Context, account string, status TxStatus) ([]*PendingTx, error)
	// CancelAllPending atomically rejects every pending transaction for the
	// account with the given reason and returns the affected IDs.
	// All-or-nothing: on error no transaction may be left rejected.
	CancelAllPending(ctx context.Context, account, reason string, at time.Time) ([]string, error)
	// DeleteResolvedBefore removes terminal transactions resolved before
	// the cutoff, returning how many were removed.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)

	AddSigner(ctx context.Context, s *Signer) error
	RemoveSigner(ctx context.Context, account, address string) error
	ListSigners(ctx context.Context, account string) ([]*Signer, error)
	GetConfig(ctx context.Context, account string) (*SignerConfig, error)
	SaveConfig(ctx context.Context, c *SignerConfig) error
}
