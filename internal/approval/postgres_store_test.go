package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/testutil"
)

func newPendingTx(id, account string) *approval.PendingTx {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &approval.PendingTx{
		ID:        id,
		Account:   account,
		To:        "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Amount:    "1500",
		Status:    approval.StatusPending,
		Required:  2,
		CreatedAt: now,
		ExpiresAt: now.Add(approval.ApprovalTTL),
	}
}

func TestPostgresStoreTxLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := approval.NewPostgresStore(db)
	ctx := context.Background()
	account := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	tx := newPendingTx("apr_pg1", account)
	require.NoError(t, store.CreateTx(ctx, tx))

	got, err := store.GetTx(ctx, account, "apr_pg1")
	require.NoError(t, err)
	assert.Equal(t, "1500", got.Amount)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.Equal(t, 2, got.Required)

	// Votes round-trip through the JSONB column
	got.Approvals = append(got.Approvals, approval.Vote{Signer: account, At: time.Now().UTC()})
	got.Status = approval.StatusApproved
	got.Executed = true
	got.TxHash = "0xdeadbeef"
	got.ResolvedAt = time.Now().UTC()
	require.NoError(t, store.UpdateTx(ctx, got))

	got, err = store.GetTx(ctx, account, "apr_pg1")
	require.NoError(t, err)
	assert.Len(t, got.Approvals, 1)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.True(t, got.Executed)
	assert.Equal(t, "0xdeadbeef", got.TxHash)

	_, err = store.GetTx(ctx, account, "apr_missing")
	assert.ErrorIs(t, err, approval.ErrTxNotFound)
}

func TestPostgresStoreCancelAllPending(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := approval.NewPostgresStore(db)
	ctx := context.Background()
	account := "0xcccccccccccccccccccccccccccccccccccccccc"

	require.NoError(t, store.CreateTx(ctx, newPendingTx("apr_c1", account)))
	require.NoError(t, store.CreateTx(ctx, newPendingTx("apr_c2", account)))

	resolved := newPendingTx("apr_c3", account)
	resolved.Status = approval.StatusRejected
	resolved.ResolvedAt = time.Now().UTC()
	require.NoError(t, store.CreateTx(ctx, resolved))

	ids, err := store.CancelAllPending(ctx, account, "panic", time.Now().UTC())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"apr_c1", "apr_c2"}, ids)

	got, err := store.GetTx(ctx, account, "apr_c1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, got.Status)
	assert.Equal(t, "panic", got.CancelReason)
	require.NotNil(t, got.Rejection)
	assert.Equal(t, "panic", got.Rejection.Reason)

	// Already-resolved transactions are untouched
	got, err = store.GetTx(ctx, account, "apr_c3")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, got.Status)
	assert.Empty(t, got.CancelReason)
}

func TestPostgresStoreSigners(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := approval.NewPostgresStore(db)
	ctx := context.Background()
	account := "0xdddddddddddddddddddddddddddddddddddddddd"

	require.NoError(t, store.AddSigner(ctx, &approval.Signer{
		Account: account, Address: account, Role: approval.RoleOwner, AddedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.AddSigner(ctx, &approval.Signer{
		Account: account, Address: "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		Role: approval.RoleApprover, AddedAt: time.Now().UTC(),
	}))

	// Duplicate hits the unique constraint
	err := store.AddSigner(ctx, &approval.Signer{
		Account: account, Address: account, Role: approval.RoleOwner, AddedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, approval.ErrSignerExists)

	signers, err := store.ListSigners(ctx, account)
	require.NoError(t, err)
	assert.Len(t, signers, 2)

	require.NoError(t, store.SaveConfig(ctx, &approval.SignerConfig{Account: account, RequiredApprovals: 2}))
	cfg, err := store.GetConfig(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RequiredApprovals)
}
