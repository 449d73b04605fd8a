package emergency

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/audit"
)

const acct = "0xAbCd000000000000000000000000000000000001"

type mockCanceller struct {
	cancelled int
	reason    string
	fail      bool
}

func (m *mockCanceller) CancelAllPending(_ context.Context, _, reason string) (int, error) {
	if m.fail {
		return 0, errors.New("store down")
	}
	m.reason = reason
	m.cancelled = 3
	return 3, nil
}

type mockRevoker struct {
	revoked int
}

func (m *mockRevoker) RevokeAll(_ context.Context, _ string) (int, error) {
	m.revoked = 2
	return 2, nil
}

type mockFactors struct {
	valid string
}

func (m *mockFactors) CheckFactor(_ context.Context, _, code string) error {
	if code != m.valid {
		return errors.New("invalid code")
	}
	return nil
}

type mockNotifier struct {
	events []string
}

func (m *mockNotifier) Notify(_ context.Context, _, event string, _ map[string]string) {
	m.events = append(m.events, event)
}

func newTestMachine() (*Machine, *audit.MemoryStore) {
	auditStore := audit.NewMemoryStore()
	return NewMachine(NewMemoryStore(), audit.NewLog(auditStore)), auditStore
}

func TestFreezeUnfreeze(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	frozen, err := m.IsFrozen(ctx, acct)
	require.NoError(t, err)
	assert.False(t, frozen)

	st, err := m.Freeze(ctx, acct, "lost phone")
	require.NoError(t, err)
	assert.True(t, st.Frozen)
	assert.Equal(t, "lost phone", st.Reason)
	assert.False(t, st.FrozenAt.IsZero())

	_, err = m.Freeze(ctx, acct, "again")
	assert.ErrorIs(t, err, ErrAlreadyFrozen)

	st, err = m.Unfreeze(ctx, acct)
	require.NoError(t, err)
	assert.False(t, st.Frozen)
	assert.Empty(t, st.Reason)

	_, err = m.Unfreeze(ctx, acct)
	assert.ErrorIs(t, err, ErrNotFrozen)
}

func TestStatusNormalizesCase(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	_, err := m.Freeze(ctx, acct, "x")
	require.NoError(t, err)

	st, err := m.Status(ctx, strings.ToUpper(acct))
	require.NoError(t, err)
	assert.True(t, st.Frozen)
}

func TestPanicCascade(t *testing.T) {
	m, _ := newTestMachine()
	canceller := &mockCanceller{}
	revoker := &mockRevoker{}
	notifier := &mockNotifier{}
	m.WithApprovalCanceller(canceller).WithSessionRevoker(revoker).WithNotifier(notifier)
	ctx := context.Background()

	st, err := m.ActivatePanic(ctx, acct, "compromised")
	require.NoError(t, err)
	assert.True(t, st.Frozen)
	assert.True(t, st.PanicMode)
	assert.Equal(t, 3, canceller.cancelled)
	assert.Equal(t, "panic", canceller.reason)
	assert.Equal(t, 2, revoker.revoked)
	assert.Contains(t, notifier.events, "panic_activated")

	// Panic is not reversible through the plain unfreeze path.
	_, err = m.Unfreeze(ctx, acct)
	assert.ErrorIs(t, err, ErrPanicActive)

	_, err = m.ActivatePanic(ctx, acct, "again")
	assert.ErrorIs(t, err, ErrAlreadyFrozen)
}

func TestPanicCancelsAllPendingApprovals(t *testing.T) {
	auditLog := audit.NewLog(audit.NewMemoryStore())
	wf := approval.NewWorkflow(approval.NewMemoryStore(), auditLog)
	m := NewMachine(NewMemoryStore(), auditLog).WithApprovalCanceller(wf)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wf.Submit(ctx, acct, "0x000000000000000000000000000000000000dEaD", "100")
		require.NoError(t, err)
	}

	_, err := m.ActivatePanic(ctx, acct, "compromised")
	require.NoError(t, err)

	pending, err := wf.List(ctx, acct, approval.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	rejected, err := wf.List(ctx, acct, approval.StatusRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 3)
	for _, tx := range rejected {
		require.NotNil(t, tx.Rejection)
		assert.Equal(t, "panic", tx.Rejection.Reason)
	}
}

func TestPanicStaysFrozenWhenCascadeFails(t *testing.T) {
	m, _ := newTestMachine()
	m.WithApprovalCanceller(&mockCanceller{fail: true})
	ctx := context.Background()

	_, err := m.ActivatePanic(ctx, acct, "compromised")
	require.Error(t, err)

	// The freeze persisted before the cascade ran.
	st, err := m.Status(ctx, acct)
	require.NoError(t, err)
	assert.True(t, st.Frozen)
	assert.True(t, st.PanicMode)
}

func TestDeactivatePanicRequiresFactor(t *testing.T) {
	m, _ := newTestMachine()
	m.WithFactorChecker(&mockFactors{valid: "123456"})
	ctx := context.Background()

	_, err := m.DeactivatePanic(ctx, acct, "123456")
	assert.ErrorIs(t, err, ErrPanicNotActive)

	_, err = m.ActivatePanic(ctx, acct, "compromised")
	require.NoError(t, err)

	_, err = m.DeactivatePanic(ctx, acct, "000000")
	require.Error(t, err)

	st, err := m.Status(ctx, acct)
	require.NoError(t, err)
	assert.True(t, st.PanicMode)

	st, err = m.DeactivatePanic(ctx, acct, "123456")
	require.NoError(t, err)
	assert.False(t, st.Frozen)
	assert.False(t, st.PanicMode)
}

func TestDeactivatePanicWithoutCheckerIsClosed(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	_, err := m.ActivatePanic(ctx, acct, "compromised")
	require.NoError(t, err)

	_, err = m.DeactivatePanic(ctx, acct, "anything")
	assert.ErrorIs(t, err, ErrPanicActive)
}

func TestFreezeThenPanicThenDeactivate(t *testing.T) {
	m, _ := newTestMachine()
	m.WithFactorChecker(&mockFactors{valid: "654321"})
	ctx := context.Background()

	_, err := m.Freeze(ctx, acct, "suspicious login")
	require.NoError(t, err)

	// Escalating an already-frozen account to panic is allowed.
	st, err := m.ActivatePanic(ctx, acct, "confirmed breach")
	require.NoError(t, err)
	assert.True(t, st.PanicMode)

	st, err = m.DeactivatePanic(ctx, acct, "654321")
	require.NoError(t, err)
	assert.False(t, st.Frozen)
}

func TestContacts(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	c, err := m.AddContact(ctx, acct, "Alice", "alice@example.com", true, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.ID, "tct_"))
	assert.True(t, c.CanUnfreeze)
	assert.False(t, c.CanRecover)

	_, err = m.AddContact(ctx, acct, "Alice again", "ALICE@example.com", false, false)
	assert.ErrorIs(t, err, ErrContactExists)

	_, err = m.AddContact(ctx, acct, "Bob", "https://bob.example.com/hook", false, true)
	require.NoError(t, err)

	contacts, err := m.ListContacts(ctx, acct)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	require.NoError(t, m.RemoveContact(ctx, acct, c.ID))
	assert.ErrorIs(t, m.RemoveContact(ctx, acct, c.ID), ErrContactMissing)

	contacts, err = m.ListContacts(ctx, acct)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
}
