package emergency

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
)

// Machine drives freeze/panic transitions for accounts.
type Machine struct {
	store     Store
	auditLog  *audit.Log
	approvals ApprovalCanceller // optional
	sessions  SessionRevoker    // optional
	factors   FactorChecker     // optional; panic cannot be deactivated without it
	notifier  Notifier          // optional
	locks     syncutil.ShardedMutex
}

// NewMachine creates an emergency state machine.
func NewMachine(store Store, auditLog *audit.Log) *Machine {
	return &Machine{store: store, auditLog: auditLog}
}

// WithApprovalCanceller wires the approval batch-cancel used by panic.
func (m *Machine) WithApprovalCanceller(a ApprovalCanceller) *Machine {
	m.approvals = a
	return m
}

// WithSessionRevoker wires session revocation used by panic.
func (m *Machine) WithSessionRevoker(s SessionRevoker) *Machine {
	m.sessions = s
	return m
}

// WithFactorChecker wires the strong re-auth check for panic deactivation.
func (m *Machine) WithFactorChecker(f FactorChecker) *Machine {
	m.factors = f
	return m
}

// WithNotifier wires out-of-band notification delivery.
func (m *Machine) WithNotifier(n Notifier) *Machine {
	m.notifier = n
	return m
}

// Status returns the account's current emergency state.
func (m *Machine) Status(ctx context.Context, account string) (*State, error) {
	return m.store.GetState(ctx, strings.ToLower(account))
}

// IsFrozen reports whether mutating operations are blocked.
func (m *Machine) IsFrozen(ctx context.Context, account string) (bool, error) {
	s, err := m.store.GetState(ctx, strings.ToLower(account))
	if err != nil {
		return false, err
	}
	return s.Frozen, nil
}

// Freeze blocks the account.
func (m *Machine) Freeze(ctx context.Context, account, reason string) (*State, error) {
	ctx, span := traces.StartSpan(ctx, "emergency.Freeze", traces.AccountAddr(account))
	defer span.End()

	account = strings.ToLower(account)
	unlock := m.locks.Lock(account)
	defer unlock()

	s, err := m.store.GetState(ctx, account)
	if err != nil {
		return nil, err
	}
	if s.Frozen {
		return nil, ErrAlreadyFrozen
	}

	s.Frozen = true
	s.Reason = reason
	s.FrozenAt = time.Now()
	if err := m.store.SaveState(ctx, s); err != nil {
		return nil, err
	}

	metrics.FrozenAccounts.Inc()
	m.record(ctx, account, "account_frozen", audit.SeverityDanger, map[string]string{"reason": reason})
	m.notify(ctx, account, "account_frozen", map[string]string{"reason": reason})
	return s, nil
}

// Unfreeze lifts a plain freeze. Panic mode does not unfreeze this way;
// it requires DeactivatePanic.
func (m *Machine) Unfreeze(ctx context.Context, account string) (*State, error) {
	ctx, span := traces.StartSpan(ctx, "emergency.Unfreeze", traces.AccountAddr(account))
	defer span.End()

	account = strings.ToLower(account)
	unlock := m.locks.Lock(account)
	defer unlock()

	s, err := m.store.GetState(ctx, account)
	if err != nil {
		return nil, err
	}
	if !s.Frozen {
		return nil, ErrNotFrozen
	}
	if s.PanicMode {
		return nil, ErrPanicActive
	}

	s.Frozen = false
	s.Reason = ""
	s.FrozenAt = time.Time{}
	if err := m.store.SaveState(ctx, s); err != nil {
		return nil, err
	}

	metrics.FrozenAccounts.Dec()
	m.record(ctx, account, "account_unfrozen", audit.SeverityWarning, nil)
	return s, nil
}

// ActivatePanic freezes the account and runs the panic cascade: every
// pending approval is rejected in one atomic batch with reason "panic",
// all sessions are revoked, and trusted contacts are notified. The frozen
// state is persisted before the cascade so the account is locked even if a
// later step fails.
func (m *Machine) ActivatePanic(ctx context.Context, account, reason string) (*State, error) {
	ctx, span := traces.StartSpan(ctx, "emergency.ActivatePanic", traces.AccountAddr(account))
	defer span.End()

	account = strings.ToLower(account)
	unlock := m.locks.Lock(account)
	defer unlock()

	s, err := m.store.GetState(ctx, account)
	if err != nil {
		return nil, err
	}
	if s.PanicMode {
		return nil, ErrAlreadyFrozen
	}

	wasFrozen := s.Frozen
	s.Frozen = true
	s.PanicMode = true
	s.Reason = reason
	s.FrozenAt = time.Now()
	if err := m.store.SaveState(ctx, s); err != nil {
		return nil, err
	}
	if !wasFrozen {
		metrics.FrozenAccounts.Inc()
	}
	metrics.PanicActivationsTotal.Inc()

	cancelled := 0
	if m.approvals != nil {
		cancelled, err = m.approvals.CancelAllPending(ctx, account, "panic")
		if err != nil {
			logging.L(ctx).Error("CRITICAL: panic activated but approval cancel batch failed",
				"account", account, "error", err)
			return nil, fmt.Errorf("emergency: panic cascade: %w", err)
		}
	}

	revoked := 0
	if m.sessions != nil {
		revoked, err = m.sessions.RevokeAll(ctx, account)
		if err != nil {
			logging.L(ctx).Error("CRITICAL: panic activated but session revocation failed",
				"account", account, "error", err)
			return nil, fmt.Errorf("emergency: panic cascade: %w", err)
		}
	}

	details := map[string]string{
		"reason":             reason,
		"approvalsCancelled": fmt.Sprintf("%d", cancelled),
		"sessionsRevoked":    fmt.Sprintf("%d", revoked),
	}
	m.record(ctx, account, "panic_activated", audit.SeverityDanger, details)
	m.notify(ctx, account, "panic_activated", details)
	return s, nil
}

// DeactivatePanic leaves panic mode. The caller must prove a strong
// factor; without a wired factor checker this path is closed and recovery
// goes through support.
func (m *Machine) DeactivatePanic(ctx context.Context, account, code string) (*State, error) {
	ctx, span := traces.StartSpan(ctx, "emergency.DeactivatePanic", traces.AccountAddr(account))
	defer span.End()

	account = strings.ToLower(account)
	if m.factors == nil {
		return nil, ErrPanicActive
	}

	unlock := m.locks.Lock(account)
	defer unlock()

	s, err := m.store.GetState(ctx, account)
	if err != nil {
		return nil, err
	}
	if !s.PanicMode {
		return nil, ErrPanicNotActive
	}

	if err := m.factors.CheckFactor(ctx, account, code); err != nil {
		m.record(ctx, account, "panic_deactivate_denied", audit.SeverityDanger, nil)
		return nil, err
	}

	s.Frozen = false
	s.PanicMode = false
	s.Reason = ""
	s.FrozenAt = time.Time{}
	if err := m.store.SaveState(ctx, s); err != nil {
		return nil, err
	}

	metrics.FrozenAccounts.Dec()
	m.record(ctx, account, "panic_deactivated", audit.SeverityWarning, nil)
	m.notify(ctx, account, "panic_deactivated", nil)
	return s, nil
}

// --- Trusted contacts ---

// AddContact registers a trusted contact. Contact changes need no
// co-signature, so every mutation is surfaced as a warning for monitoring.
func (m *Machine) AddContact(ctx context.Context, account, name, destination string, canUnfreeze, canRecover bool) (*TrustedContact, error) {
	account = strings.ToLower(account)
	existing, err := m.store.ListContacts(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if strings.EqualFold(c.Destination, destination) {
			return nil, ErrContactExists
		}
	}

	c := &TrustedContact{
		ID:          idgen.WithPrefix("tct_"),
		Account:     account,
		Name:        name,
		Destination: destination,
		CanUnfreeze: canUnfreeze,
		CanRecover:  canRecover,
		AddedAt:     time.Now(),
	}
	if err := m.store.AddContact(ctx, c); err != nil {
		return nil, err
	}
	m.record(ctx, account, "contact_added", audit.SeverityWarning, map[string]string{
		"contactId": c.ID, "canUnfreeze": fmt.Sprintf("%t", canUnfreeze), "canRecover": fmt.Sprintf("%t", canRecover),
	})
	return c, nil
}

// RemoveContact drops a trusted contact.
func (m *Machine) RemoveContact(ctx context.Context, account, contactID string) error {
	account = strings.ToLower(account)
	if err := m.store.RemoveContact(ctx, account, contactID); err != nil {
		return err
	}
	m.record(ctx, account, "contact_removed", audit.SeverityWarning, map[string]string{"contactId": contactID})
	return nil
}

// ListContacts returns the account's trusted contacts.
func (m *Machine) ListContacts(ctx context.Context, account string) ([]*TrustedContact, error) {
	return m.store.ListContacts(ctx, strings.ToLower(account))
}

func (m *Machine) notify(ctx context.Context, account, event string, details map[string]string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, account, event, details)
}

func (m *Machine) record(ctx context.Context, account, event string, severity audit.Severity, details map[string]string) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Record(ctx, account, event, severity, details); err != nil {
		logging.L(ctx).Error("failed to record audit event", "event", event, "error", err)
	}
}
