package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/authfactor"
	"github.com/temelreiz/auxite-wallet/internal/device"
	"github.com/temelreiz/auxite-wallet/internal/emergency"
	"github.com/temelreiz/auxite-wallet/internal/riskpolicy"
)

const acct = "0xAbCd000000000000000000000000000000000001"

type stubTOTP struct{ valid string }

func (s *stubTOTP) Verify(_, code string, _ time.Time) bool { return code == s.valid }

func newTestOrchestrator() (*Orchestrator, *device.Manager, *emergency.Machine, *authfactor.Registry) {
	auditLog := audit.NewLog(audit.NewMemoryStore())
	factors := authfactor.NewRegistry(authfactor.NewMemoryStore(), auditLog).
		WithTOTPVerifier(&stubTOTP{valid: "123456"})
	devices := device.NewManager(device.NewMemoryStore(), auditLog)
	risk := riskpolicy.NewEngine(riskpolicy.NewMemoryStore(), auditLog)
	approvals := approval.NewWorkflow(approval.NewMemoryStore(), auditLog)
	em := emergency.NewMachine(emergency.NewMemoryStore(), auditLog)
	return New(factors, devices, risk, approvals, em), devices, em, factors
}

func TestGuard(t *testing.T) {
	o, devices, em, _ := newTestOrchestrator()
	ctx := context.Background()

	d, err := devices.Identify(ctx, acct, "fp-1", "laptop", nil)
	require.NoError(t, err)
	token, _, err := devices.CreateSession(ctx, acct, d.ID, "1.2.3.4")
	require.NoError(t, err)

	sess, err := o.Guard(ctx, acct, token, false)
	require.NoError(t, err)
	assert.Equal(t, d.ID, sess.DeviceID)

	// Wrong token.
	_, err = o.Guard(ctx, acct, "ast_deadbeef", false)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Token for a different account.
	_, err = o.Guard(ctx, "0x000000000000000000000000000000000000beef", token, false)
	assert.ErrorIs(t, err, ErrWrongAccount)

	// Frozen accounts are blocked unless the caller allows it.
	_, err = em.Freeze(ctx, acct, "test")
	require.NoError(t, err)

	_, err = o.Guard(ctx, acct, token, false)
	assert.ErrorIs(t, err, ErrAccountFrozen)

	_, err = o.Guard(ctx, acct, token, true)
	assert.NoError(t, err)
}

func TestGuardSeesRevocationImmediately(t *testing.T) {
	o, devices, _, _ := newTestOrchestrator()
	ctx := context.Background()

	d, err := devices.Identify(ctx, acct, "fp-1", "laptop", nil)
	require.NoError(t, err)
	token, sess, err := devices.CreateSession(ctx, acct, d.ID, "1.2.3.4")
	require.NoError(t, err)

	_, err = o.Guard(ctx, acct, token, false)
	require.NoError(t, err)

	require.NoError(t, devices.RevokeSession(ctx, acct, sess.ID))

	_, err = o.Guard(ctx, acct, token, false)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		factors  authfactor.FactorStatus
		devices  int
		sessions int
		want     int
	}{
		{
			name: "nothing enrolled, no devices",
			want: 25, // base 20 + quiet sessions 5
		},
		{
			name:     "fully hardened",
			factors:  authfactor.FactorStatus{TOTPEnabled: true, WebAuthnCredentials: 2, BackupCodesRemaining: 8},
			devices:  2,
			sessions: 1,
			want:     100,
		},
		{
			name:     "totp only",
			factors:  authfactor.FactorStatus{TOTPEnabled: true},
			devices:  1,
			sessions: 1,
			want:     70,
		},
		{
			name:     "backup codes running low",
			factors:  authfactor.FactorStatus{TOTPEnabled: true, BackupCodesRemaining: 3},
			devices:  1,
			sessions: 1,
			want:     70,
		},
		{
			name:     "too many trusted devices",
			factors:  authfactor.FactorStatus{TOTPEnabled: true, WebAuthnCredentials: 1, BackupCodesRemaining: 8},
			devices:  7,
			sessions: 1,
			want:     90,
		},
		{
			name:     "too many sessions",
			factors:  authfactor.FactorStatus{TOTPEnabled: true, WebAuthnCredentials: 1, BackupCodesRemaining: 8},
			devices:  1,
			sessions: 5,
			want:     95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(&tt.factors, tt.devices, tt.sessions)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestOverview(t *testing.T) {
	o, devices, _, factors := newTestOrchestrator()
	ctx := context.Background()

	// Enroll TOTP.
	_, err := factors.BeginTOTPSetup(ctx, acct)
	require.NoError(t, err)
	require.NoError(t, factors.ConfirmTOTPSetup(ctx, acct, "123456"))

	// One trusted device with a session.
	d, err := devices.Identify(ctx, acct, "fp-1", "laptop", nil)
	require.NoError(t, err)
	_, err = devices.SetTrusted(ctx, acct, d.ID, true, "")
	require.NoError(t, err)
	_, _, err = devices.CreateSession(ctx, acct, d.ID, "1.2.3.4")
	require.NoError(t, err)

	ov, err := o.Overview(ctx, acct)
	require.NoError(t, err)

	assert.True(t, ov.Factors.TOTPEnabled)
	assert.Equal(t, 8, ov.Factors.BackupCodesRemaining)
	assert.Equal(t, 1, ov.TrustedDevices)
	assert.Equal(t, 1, ov.ActiveSessions)
	assert.Equal(t, 0, ov.PendingApprovals)
	assert.Len(t, ov.Limits, 4)
	assert.False(t, ov.Emergency.Frozen)
	// 20 base + 35 TOTP + 10 backup codes + 10 devices + 5 sessions.
	assert.Equal(t, 80, ov.Score)
}
