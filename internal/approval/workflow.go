package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/idgen"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
	"github.com/temelreiz/auxite-wallet/internal/syncutil"
	"github.com/temelreiz/auxite-wallet/internal/traces"
	"github.com/temelreiz/auxite-wallet/internal/usdc"
)

// Workflow implements the multi-signature approval state machine.
type Workflow struct {
	store     Store
	auditLog  *audit.Log
	gateway   Gateway   // optional; approvals resolve without executing when absent
	committer Committer // optional
	locks     syncutil.ShardedMutex
}

// NewWorkflow creates an approval workflow over the given store.
func NewWorkflow(store Store, auditLog *audit.Log) *Workflow {
	return &Workflow{store: store, auditLog: auditLog}
}

// WithGateway wires the ledger gateway used to execute approved transfers.
func (w *Workflow) WithGateway(g Gateway) *Workflow {
	w.gateway = g
	return w
}

// WithCommitter wires the limit accounting callback.
func (w *Workflow) WithCommitter(c Committer) *Workflow {
	w.committer = c
	return w
}

// Submit creates a pending transaction. The account owner is registered as
// the first signer on first use, with a threshold of one.
func (w *Workflow) Submit(ctx context.Context, account, to, amount string) (*PendingTx, error) {
	ctx, span := traces.StartSpan(ctx, "approval.Submit",
		traces.AccountAddr(account), traces.Amount(amount))
	defer span.End()

	account = strings.ToLower(account)
	if amt, ok := usdc.Parse(amount); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("approval: invalid amount %q", amount)
	}

	required, err := w.ensureSigners(ctx, account)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &PendingTx{
		ID:        idgen.WithPrefix("apr_"),
		Account:   account,
		To:        strings.ToLower(to),
		Amount:    amount,
		Status:    StatusPending,
		Required:  required,
		CreatedAt: now,
		ExpiresAt: now.Add(ApprovalTTL),
	}
	if err := w.store.CreateTx(ctx, tx); err != nil {
		return nil, err
	}

	w.record(ctx, account, "approval_requested", audit.SeverityInfo, map[string]string{
		"txId": tx.ID, "to": tx.To, "amount": amount,
	})
	return tx, nil
}

// Approve records a signer's vote. The vote that reaches the threshold
// transitions the transaction to approved and triggers execution; the
// per-transaction lock plus the executed flag make that transition happen
// exactly once no matter how many signers race.
func (w *Workflow) Approve(ctx context.Context, account, txID, signerAddr string) (*PendingTx, error) {
	ctx, span := traces.StartSpan(ctx, "approval.Approve",
		traces.AccountAddr(account), traces.TxID(txID))
	defer span.End()

	account = strings.ToLower(account)
	signerAddr = strings.ToLower(signerAddr)

	if err := w.requireVoter(ctx, account, signerAddr); err != nil {
		return nil, err
	}

	unlock := w.locks.Lock(txID)
	defer unlock()

	tx, err := w.loadLive(ctx, account, txID)
	if err != nil {
		return nil, err
	}
	if tx.HasApproved(signerAddr) {
		return nil, ErrAlreadyApproved
	}

	tx.Approvals = append(tx.Approvals, Vote{Signer: signerAddr, At: time.Now()})

	if len(tx.Approvals) < tx.Required {
		if err := w.store.UpdateTx(ctx, tx); err != nil {
			return nil, err
		}
		w.record(ctx, account, "approval_vote", audit.SeverityInfo, map[string]string{
			"txId": tx.ID, "signer": signerAddr,
			"votes": fmt.Sprintf("%d/%d", len(tx.Approvals), tx.Required),
		})
		return tx, nil
	}

	// Threshold reached: claim the transition before executing so a crash
	// cannot lead to a second execution.
	tx.Status = StatusApproved
	tx.Executed = true
	tx.ResolvedAt = time.Now()
	if err := w.store.UpdateTx(ctx, tx); err != nil {
		return nil, err
	}

	metrics.ApprovalsTotal.WithLabelValues(string(StatusApproved)).Inc()
	metrics.ApprovalDuration.Observe(tx.ResolvedAt.Sub(tx.CreatedAt).Seconds())
	w.record(ctx, account, "approval_granted", audit.SeverityInfo, map[string]string{
		"txId": tx.ID, "amount": tx.Amount,
	})

	w.execute(ctx, tx)
	return tx, nil
}

// execute hands the approved transfer to the gateway and commits the spend
// on success. Gateway failure leaves the transaction approved with the
// error recorded for operator retry.
func (w *Workflow) execute(ctx context.Context, tx *PendingTx) {
	if w.gateway == nil {
		return
	}

	hash, err := w.gateway.Execute(ctx, tx.Account, tx.To, tx.Amount)
	if err != nil {
		tx.ExecuteError = err.Error()
		if uerr := w.store.UpdateTx(ctx, tx); uerr != nil {
			logging.L(ctx).Error("CRITICAL: transfer execution failed and error could not be recorded",
				"tx_id", tx.ID, "exec_error", err, "store_error", uerr)
		}
		w.record(ctx, tx.Account, "transfer_execute_failed", audit.SeverityDanger, map[string]string{
			"txId": tx.ID, "error": err.Error(),
		})
		return
	}

	tx.TxHash = hash
	tx.ExecuteError = ""
	if err := w.store.UpdateTx(ctx, tx); err != nil {
		logging.L(ctx).Error("CRITICAL: transfer executed but tx hash could not be recorded",
			"tx_id", tx.ID, "tx_hash", hash, "error", err)
	}

	if w.committer != nil {
		if err := w.committer.Commit(ctx, tx.Account, tx.Amount); err != nil {
			logging.L(ctx).Error("CRITICAL: transfer executed but limit commit failed",
				"tx_id", tx.ID, "amount", tx.Amount, "error", err)
		}
	}
	w.record(ctx, tx.Account, "transfer_executed", audit.SeverityInfo, map[string]string{
		"txId": tx.ID, "txHash": hash,
	})
}

// Reject terminates a pending transaction. One rejection is final.
func (w *Workflow) Reject(ctx context.Context, account, txID, signerAddr, reason string) (*PendingTx, error) {
	ctx, span := traces.StartSpan(ctx, "approval.Reject",
		traces.AccountAddr(account), traces.TxID(txID))
	defer span.End()

	account = strings.ToLower(account)
	signerAddr = strings.ToLower(signerAddr)

	if err := w.requireVoter(ctx, account, signerAddr); err != nil {
		return nil, err
	}

	unlock := w.locks.Lock(txID)
	defer unlock()

	tx, err := w.loadLive(ctx, account, txID)
	if err != nil {
		return nil, err
	}

	tx.Status = StatusRejected
	tx.Rejection = &Rejection{Signer: signerAddr, Reason: reason, At: time.Now()}
	tx.ResolvedAt = tx.Rejection.At
	if err := w.store.UpdateTx(ctx, tx); err != nil {
		return nil, err
	}

	metrics.ApprovalsTotal.WithLabelValues(string(StatusRejected)).Inc()
	w.record(ctx, account, "approval_rejected", audit.SeverityWarning, map[string]string{
		"txId": tx.ID, "signer": signerAddr, "reason": reason,
	})
	return tx, nil
}

// CancelAllPending rejects every pending transaction for the account in a
// single atomic batch. Used by the emergency path.
func (w *Workflow) CancelAllPending(ctx context.Context, account, reason string) (int, error) {
	account = strings.ToLower(account)
	ids, err := w.store.CancelAllPending(ctx, account, reason, time.Now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		metrics.ApprovalsTotal.WithLabelValues(string(StatusRejected)).Inc()
		w.record(ctx, account, "approval_cancelled", audit.SeverityWarning, map[string]string{
			"txId": id, "reason": reason,
		})
	}
	return len(ids), nil
}

// Get returns a pending transaction, lazily expiring it first.
func (w *Workflow) Get(ctx context.Context, account, txID string) (*PendingTx, error) {
	account = strings.ToLower(account)

	unlock := w.locks.Lock(txID)
	defer unlock()

	tx, err := w.store.GetTx(ctx, account, txID)
	if err != nil {
		return nil, err
	}
	return w.expireIfDue(ctx, tx), nil
}

// List returns the account's transactions, optionally filtered by status.
// Expiry is applied on the way out. Old resolved transactions are swept
// opportunistically.
func (w *Workflow) List(ctx context.Context, account string, status TxStatus) ([]*PendingTx, error) {
	account = strings.ToLower(account)

	if _, err := w.store.DeleteResolvedBefore(ctx, time.Now().Add(-RetentionPeriod)); err != nil {
		logging.L(ctx).Warn("approval retention sweep failed", "error", err)
	}

	txs, err := w.store.ListTx(ctx, account, "")
	if err != nil {
		return nil, err
	}
	var out []*PendingTx
	for _, tx := range txs {
		tx = w.expireIfDue(ctx, tx)
		if status != "" && tx.Status != status {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// loadLive loads a transaction that must still be approvable. Callers must
// hold the per-transaction lock.
func (w *Workflow) loadLive(ctx context.Context, account, txID string) (*PendingTx, error) {
	tx, err := w.store.GetTx(ctx, account, txID)
	if err != nil {
		return nil, err
	}
	tx = w.expireIfDue(ctx, tx)
	if tx.Status == StatusExpired {
		return nil, ErrExpired
	}
	if tx.Status != StatusPending {
		return nil, ErrNotPending
	}
	return tx, nil
}

// expireIfDue flips an overdue pending transaction to expired and persists
// the change.
func (w *Workflow) expireIfDue(ctx context.Context, tx *PendingTx) *PendingTx {
	if tx.Status != StatusPending || time.Now().Before(tx.ExpiresAt) {
		return tx
	}
	tx.Status = StatusExpired
	tx.ResolvedAt = time.Now()
	if err := w.store.UpdateTx(ctx, tx); err != nil {
		logging.L(ctx).Error("failed to persist expiry", "tx_id", tx.ID, "error", err)
	}
	metrics.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
	w.record(ctx, tx.Account, "approval_expired", audit.SeverityInfo, map[string]string{"txId": tx.ID})
	return tx
}

// --- Signers ---

// ensureSigners bootstraps the owner signer and threshold on first use and
// returns the current required approval count.
func (w *Workflow) ensureSigners(ctx context.Context, account string) (int, error) {
	signers, err := w.store.ListSigners(ctx, account)
	if err != nil {
		return 0, err
	}
	if len(signers) == 0 {
		if err := w.store.AddSigner(ctx, &Signer{
			Account: account,
			Address: account,
			Role:    RoleOwner,
			AddedAt: time.Now(),
		}); err != nil {
			return 0, err
		}
	}
	cfg, err := w.store.GetConfig(ctx, account)
	if err != nil {
		cfg = &SignerConfig{Account: account, RequiredApprovals: 1}
		if err := w.store.SaveConfig(ctx, cfg); err != nil {
			return 0, err
		}
	}
	return cfg.RequiredApprovals, nil
}

// requireVoter checks that the address is a registered signer whose role
// may vote. Viewers are registered but read-only.
func (w *Workflow) requireVoter(ctx context.Context, account, address string) error {
	signers, err := w.store.ListSigners(ctx, account)
	if err != nil {
		return err
	}
	for _, s := range signers {
		if s.Address == address {
			if !s.Role.CanVote() {
				return ErrRoleForbidden
			}
			return nil
		}
	}
	return ErrNotSigner
}

// AddSigner registers a co-signer. An empty role defaults to approver; the
// owner role is reserved for the account itself.
func (w *Workflow) AddSigner(ctx context.Context, account, address string, role SignerRole) (*Signer, error) {
	account = strings.ToLower(account)
	address = strings.ToLower(address)
	if role == "" {
		role = RoleApprover
	}
	if role != RoleApprover && role != RoleViewer {
		return nil, ErrBadRole
	}

	if _, err := w.ensureSigners(ctx, account); err != nil {
		return nil, err
	}
	signers, err := w.store.ListSigners(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, s := range signers {
		if s.Address == address {
			return nil, ErrSignerExists
		}
	}

	s := &Signer{Account: account, Address: address, Role: role, AddedAt: time.Now()}
	if err := w.store.AddSigner(ctx, s); err != nil {
		return nil, err
	}
	w.record(ctx, account, "signer_added", audit.SeverityWarning, map[string]string{
		"signer": address, "role": string(role),
	})
	return s, nil
}

// RemoveSigner drops a co-signer. The owner cannot be removed, and the
// signer set cannot shrink below the approval threshold.
func (w *Workflow) RemoveSigner(ctx context.Context, account, address string) error {
	account = strings.ToLower(account)
	address = strings.ToLower(address)

	signers, err := w.store.ListSigners(ctx, account)
	if err != nil {
		return err
	}
	var found *Signer
	for _, s := range signers {
		if s.Address == address {
			found = s
		}
	}
	if found == nil {
		return ErrSignerNotFound
	}
	if found.Role == RoleOwner {
		return ErrOwnerRemoval
	}

	// Removing a voter cannot leave fewer voters than the threshold needs.
	if found.Role.CanVote() {
		cfg, err := w.store.GetConfig(ctx, account)
		if err == nil && countVoters(signers)-1 < cfg.RequiredApprovals {
			return ErrBadThreshold
		}
	}

	if err := w.store.RemoveSigner(ctx, account, address); err != nil {
		return err
	}
	w.record(ctx, account, "signer_removed", audit.SeverityWarning, map[string]string{"signer": address})
	return nil
}

// ListSigners returns the registered signers.
func (w *Workflow) ListSigners(ctx context.Context, account string) ([]*Signer, error) {
	account = strings.ToLower(account)
	if _, err := w.ensureSigners(ctx, account); err != nil {
		return nil, err
	}
	return w.store.ListSigners(ctx, account)
}

// Config returns the signer configuration, seeding the owner signer and
// default threshold on first use.
func (w *Workflow) Config(ctx context.Context, account string) (*SignerConfig, error) {
	account = strings.ToLower(account)
	if _, err := w.ensureSigners(ctx, account); err != nil {
		return nil, err
	}
	return w.store.GetConfig(ctx, account)
}

// SetRequired updates the approval threshold. Must be between one and the
// number of voting signers. Existing pending transactions keep the
// threshold they were submitted with.
func (w *Workflow) SetRequired(ctx context.Context, account string, required int) (*SignerConfig, error) {
	account = strings.ToLower(account)
	if _, err := w.ensureSigners(ctx, account); err != nil {
		return nil, err
	}
	signers, err := w.store.ListSigners(ctx, account)
	if err != nil {
		return nil, err
	}
	if required < 1 || required > countVoters(signers) {
		return nil, ErrBadThreshold
	}
	cfg := &SignerConfig{Account: account, RequiredApprovals: required}
	if err := w.store.SaveConfig(ctx, cfg); err != nil {
		return nil, err
	}
	w.record(ctx, account, "threshold_updated", audit.SeverityWarning, map[string]string{
		"required": fmt.Sprintf("%d", required),
	})
	return cfg, nil
}

func countVoters(signers []*Signer) int {
	n := 0
	for _, s := range signers {
		if s.Role.CanVote() {
			n++
		}
	}
	return n
}

// PendingCount reports how many transactions are awaiting approval.
func (w *Workflow) PendingCount(ctx context.Context, account string) (int, error) {
	txs, err := w.List(ctx, account, StatusPending)
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

func (w *Workflow) record(ctx context.Context, account, event string, severity audit.Severity, details map[string]string) {
	if w.auditLog == nil {
		return
	}
	if err := w.auditLog.Record(ctx, account, event, severity, details); err != nil {
		logging.L(ctx).Error("failed to record audit event", "event", event, "error", err)
	}
}
