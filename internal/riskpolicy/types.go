// Package riskpolicy enforces per-account transfer limits over rolling
// windows, with a whitelist bypass.
//
// Limits are checked at evaluation time but only consumed after the
// transfer actually executes (Commit). Window usage resets lazily: no
// timers run; expired windows are rolled forward whenever they are read.
package riskpolicy

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrInvalidAmount  = errors.New("riskpolicy: invalid amount")
	ErrInvalidWindow  = errors.New("riskpolicy: unknown limit window")
	ErrNotWhitelisted = errors.New("riskpolicy: address not on whitelist")
	ErrAlreadyListed  = errors.New("riskpolicy: address already whitelisted")
	ErrInvalidAddress = errors.New("riskpolicy: invalid address")
	ErrLimitNotFound  = errors.New("riskpolicy: limit not found")
)

// Window identifies a limit window.
type Window string

const (
	WindowPerTransaction Window = "perTransaction"
	WindowDaily          Window = "daily"
	WindowWeekly         Window = "weekly"
	WindowMonthly        Window = "monthly"
)

// Windows lists every window in evaluation order.
var Windows = []Window{WindowPerTransaction, WindowDaily, WindowWeekly, WindowMonthly}

// Duration returns the rolling period, or zero for the per-transaction cap.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether w names a known window.
func (w Window) Valid() bool {
	switch w {
	case WindowPerTransaction, WindowDaily, WindowWeekly, WindowMonthly:
		return true
	}
	return false
}

// Default caps in USDC.
const (
	DefaultPerTransactionCap = "10000"
	DefaultDailyCap          = "25000"
	DefaultWeeklyCap         = "100000"
	DefaultMonthlyCap        = "250000"
)

// Limit is one window's cap and current usage. Amounts are USDC decimal
// strings.
type Limit struct {
	Account string    `json:"account"`
	Window  Window    `json:"window"`
	Cap     string    `json:"cap"`
	Used    string    `json:"used"`
	ResetAt time.Time `json:"resetAt"`
}

// WhitelistEntry is an address exempt from limit checks.
type WhitelistEntry struct {
	Account   string    `json:"account"`
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decision outcomes.
const (
	DecisionAllowed          = "allowed"
	DecisionWhitelisted      = "whitelisted"
	DecisionRequiresApproval = "requires_approval"
	DecisionRejected         = "rejected"
)

// Decision is the outcome of a transfer evaluation.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Window   Window `json:"window,omitempty"` // which window rejected or triggered approval
}

// Allowed reports whether the transfer may proceed without approval.
func (d *Decision) Allowed() bool {
	return d.Decision == DecisionAllowed || d.Decision == DecisionWhitelisted
}

// Store persists limits and whitelist entries.
type Store interface {
	GetLimits(ctx context.Context, account string) ([]*Limit, error)
	SaveLimit(ctx context.Context, l *Limit) error

	AddWhitelist(ctx context.Context, e *WhitelistEntry) error
	RemoveWhitelist(ctx context.Context, account, address string) error
	ListWhitelist(ctx context.Context, account string) ([]*WhitelistEntry, error)
	IsWhitelisted(ctx context.Context, account, address string) (bool, error)
}
