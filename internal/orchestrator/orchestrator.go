// Package orchestrator composes the security services into one surface:
// request guarding (session + freeze checks) and the account security
// overview with its posture score.
package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/authfactor"
	"github.com/temelreiz/auxite-wallet/internal/device"
	"github.com/temelreiz/auxite-wallet/internal/emergency"
	"github.com/temelreiz/auxite-wallet/internal/riskpolicy"
	"github.com/temelreiz/auxite-wallet/internal/traces"
)

var (
	ErrUnauthorized  = errors.New("orchestrator: invalid or expired session")
	ErrAccountFrozen = errors.New("orchestrator: account is frozen")
	ErrWrongAccount  = errors.New("orchestrator: session does not belong to this account")
)

// Orchestrator ties the security services together.
type Orchestrator struct {
	factors   *authfactor.Registry
	devices   *device.Manager
	risk      *riskpolicy.Engine
	approvals *approval.Workflow
	emergency *emergency.Machine
}

// New creates an orchestrator over the security services.
func New(
	factors *authfactor.Registry,
	devices *device.Manager,
	risk *riskpolicy.Engine,
	approvals *approval.Workflow,
	em *emergency.Machine,
) *Orchestrator {
	return &Orchestrator{
		factors:   factors,
		devices:   devices,
		risk:      risk,
		approvals: approvals,
		emergency: em,
	}
}

// Guard validates a session token against the account and checks the
// freeze state. Both checks hit the stores fresh on every call: a revoked
// session or a freeze takes effect immediately, never from a cache.
// allowFrozen lets emergency-recovery and read-only operations through on
// a frozen account.
func (o *Orchestrator) Guard(ctx context.Context, account, token string, allowFrozen bool) (*device.Session, error) {
	ctx, span := traces.StartSpan(ctx, "orchestrator.Guard", traces.AccountAddr(account))
	defer span.End()

	sess, err := o.devices.ValidateToken(ctx, token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !strings.EqualFold(sess.Account, account) {
		return nil, ErrWrongAccount
	}

	if !allowFrozen {
		frozen, err := o.emergency.IsFrozen(ctx, account)
		if err != nil {
			return nil, err
		}
		if frozen {
			return nil, ErrAccountFrozen
		}
	}
	return sess, nil
}

// Overview is the aggregated security posture of an account.
type Overview struct {
	Account          string                    `json:"account"`
	Score            int                       `json:"score"`
	Factors          *authfactor.FactorStatus  `json:"factors"`
	TrustedDevices   int                       `json:"trustedDevices"`
	ActiveSessions   int                       `json:"activeSessions"`
	PendingApprovals int                       `json:"pendingApprovals"`
	Limits           []*riskpolicy.LimitStatus `json:"limits"`
	Emergency        *emergency.State          `json:"emergency"`
}

// Overview assembles the full security posture for an account.
func (o *Orchestrator) Overview(ctx context.Context, account string) (*Overview, error) {
	ctx, span := traces.StartSpan(ctx, "orchestrator.Overview", traces.AccountAddr(account))
	defer span.End()

	account = strings.ToLower(account)

	factors, err := o.factors.ListFactors(ctx, account)
	if err != nil {
		return nil, err
	}
	trustedDevices, activeSessions, err := o.devices.CountActive(ctx, account)
	if err != nil {
		return nil, err
	}
	pending, err := o.approvals.PendingCount(ctx, account)
	if err != nil {
		return nil, err
	}
	limits, err := o.risk.Status(ctx, account)
	if err != nil {
		return nil, err
	}
	state, err := o.emergency.Status(ctx, account)
	if err != nil {
		return nil, err
	}

	return &Overview{
		Account:          account,
		Score:            Score(factors, trustedDevices, activeSessions),
		Factors:          factors,
		TrustedDevices:   trustedDevices,
		ActiveSessions:   activeSessions,
		PendingApprovals: pending,
		Limits:           limits,
		Emergency:        state,
	}, nil
}

// Score computes the security posture score. Factor enrollment dominates;
// device hygiene nudges the remainder.
func Score(factors *authfactor.FactorStatus, trustedDevices, activeSessions int) int {
	score := 20
	if factors.TOTPEnabled {
		score += 35
	}
	if factors.WebAuthnCredentials > 0 {
		score += 20
	}
	if factors.BackupCodesRemaining >= 4 {
		score += 10
	}
	if trustedDevices > 0 && trustedDevices <= 3 {
		score += 10
	}
	if activeSessions <= 2 {
		score += 5
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
