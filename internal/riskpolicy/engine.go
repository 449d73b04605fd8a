package riskpolicy

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
	"github.com/temelreiz/auxite-wallet/internal/syncutil"
	"github.com/temelreiz/auxite-wallet/internal/traces"
	"github.com/temelreiz/auxite-wallet/internal/usdc"
	"github.com/temelreiz/auxite-wallet/internal/validation"
)

// Engine evaluates and accounts transfer limits.
type Engine struct {
	store    Store
	auditLog *audit.Log
	locks    syncutil.ShardedMutex // per-account, serializes commit read-modify-write
}

// NewEngine creates a risk policy engine.
func NewEngine(store Store, auditLog *audit.Log) *Engine {
	return &Engine{store: store, auditLog: auditLog}
}

// Evaluate decides whether a transfer may proceed. It never consumes any
// limit; call Commit after the transfer actually executes.
//
// Order: whitelist bypass, then the per-transaction cap (approval
// escalation), then the rolling windows (rejection).
func (e *Engine) Evaluate(ctx context.Context, account, to, amount string) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "riskpolicy.Evaluate",
		traces.AccountAddr(account), traces.Amount(amount))
	defer span.End()

	account = strings.ToLower(account)
	to = strings.ToLower(to)

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	whitelisted, err := e.store.IsWhitelisted(ctx, account, to)
	if err != nil {
		return nil, err
	}
	if whitelisted {
		d := &Decision{Decision: DecisionWhitelisted}
		e.observe(ctx, account, to, amount, d)
		return d, nil
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	limits, err := e.currentLimits(ctx, account)
	if err != nil {
		return nil, err
	}

	perTx := limits[WindowPerTransaction]
	perTxCap, _ := usdc.Parse(perTx.Cap)
	if amt.Cmp(perTxCap) > 0 {
		d := &Decision{Decision: DecisionRequiresApproval, Reason: "exceeds_per_transaction_cap", Window: WindowPerTransaction}
		e.observe(ctx, account, to, amount, d)
		return d, nil
	}

	for _, w := range []Window{WindowDaily, WindowWeekly, WindowMonthly} {
		l := limits[w]
		used, _ := usdc.Parse(l.Used)
		capAmt, _ := usdc.Parse(l.Cap)
		if new(big.Int).Add(used, amt).Cmp(capAmt) > 0 {
			d := &Decision{Decision: DecisionRejected, Reason: "limit_exceeded", Window: w}
			e.observe(ctx, account, to, amount, d)
			return d, nil
		}
	}

	d := &Decision{Decision: DecisionAllowed}
	e.observe(ctx, account, to, amount, d)
	return d, nil
}

// Commit records an executed transfer against the rolling windows. Called
// only after the transfer went through; whitelisted transfers skip it.
func (e *Engine) Commit(ctx context.Context, account, amount string) error {
	ctx, span := traces.StartSpan(ctx, "riskpolicy.Commit",
		traces.AccountAddr(account), traces.Amount(amount))
	defer span.End()

	account = strings.ToLower(account)
	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	limits, err := e.currentLimits(ctx, account)
	if err != nil {
		return err
	}
	for _, w := range []Window{WindowDaily, WindowWeekly, WindowMonthly} {
		l := limits[w]
		used, _ := usdc.Parse(l.Used)
		l.Used = usdc.Format(new(big.Int).Add(used, amt))
		if err := e.store.SaveLimit(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// SetLimit updates one window's cap. Current usage and the reset anchor
// are left untouched.
func (e *Engine) SetLimit(ctx context.Context, account string, window Window, capStr string) (*Limit, error) {
	account = strings.ToLower(account)
	if !window.Valid() {
		return nil, ErrInvalidWindow
	}
	amt, ok := usdc.Parse(capStr)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	limits, err := e.currentLimits(ctx, account)
	if err != nil {
		return nil, err
	}
	l := limits[window]
	l.Cap = usdc.Format(amt)
	if err := e.store.SaveLimit(ctx, l); err != nil {
		return nil, err
	}
	e.record(ctx, account, "limit_updated", audit.SeverityInfo, map[string]string{
		"window": string(window), "cap": l.Cap,
	})
	return l, nil
}

// LimitStatus is a window's state with remaining headroom.
type LimitStatus struct {
	Window    Window    `json:"window"`
	Cap       string    `json:"cap"`
	Used      string    `json:"used"`
	Remaining string    `json:"remaining"`
	ResetAt   time.Time `json:"resetAt,omitempty"`
}

// Status reports all four windows, lazily rolled forward first.
func (e *Engine) Status(ctx context.Context, account string) ([]*LimitStatus, error) {
	account = strings.ToLower(account)

	unlock := e.locks.Lock(account)
	defer unlock()

	limits, err := e.currentLimits(ctx, account)
	if err != nil {
		return nil, err
	}

	var out []*LimitStatus
	for _, w := range Windows {
		l := limits[w]
		capAmt, _ := usdc.Parse(l.Cap)
		used, _ := usdc.Parse(l.Used)
		remaining := new(big.Int).Sub(capAmt, used)
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		out = append(out, &LimitStatus{
			Window:    w,
			Cap:       l.Cap,
			Used:      l.Used,
			Remaining: usdc.Format(remaining),
			ResetAt:   l.ResetAt,
		})
	}
	return out, nil
}

// currentLimits loads limits, creates defaults for missing windows, and
// applies lazy resets. Callers must hold the account lock.
func (e *Engine) currentLimits(ctx context.Context, account string) (map[Window]*Limit, error) {
	stored, err := e.store.GetLimits(ctx, account)
	if err != nil {
		return nil, err
	}
	byWindow := make(map[Window]*Limit, len(Windows))
	for _, l := range stored {
		byWindow[l.Window] = l
	}

	now := time.Now()
	for _, w := range Windows {
		l, ok := byWindow[w]
		if !ok {
			l = &Limit{
				Account: account,
				Window:  w,
				Cap:     defaultCap(w),
				Used:    usdc.Format(big.NewInt(0)),
			}
			if d := w.Duration(); d > 0 {
				l.ResetAt = now.Add(d)
			}
			if err := e.store.SaveLimit(ctx, l); err != nil {
				return nil, err
			}
			byWindow[w] = l
			continue
		}

		// Lazy reset: roll the anchor forward in whole periods so the
		// window stays aligned to its original boundary.
		if d := w.Duration(); d > 0 && !l.ResetAt.After(now) {
			for !l.ResetAt.After(now) {
				l.ResetAt = l.ResetAt.Add(d)
			}
			l.Used = usdc.Format(big.NewInt(0))
			if err := e.store.SaveLimit(ctx, l); err != nil {
				return nil, err
			}
		}
	}
	return byWindow, nil
}

func defaultCap(w Window) string {
	switch w {
	case WindowPerTransaction:
		return DefaultPerTransactionCap
	case WindowDaily:
		return DefaultDailyCap
	case WindowWeekly:
		return DefaultWeeklyCap
	default:
		return DefaultMonthlyCap
	}
}

// --- Whitelist ---

// AddWhitelist exempts an address from limit checks.
func (e *Engine) AddWhitelist(ctx context.Context, account, address, label string) (*WhitelistEntry, error) {
	account = strings.ToLower(account)
	address = validation.SanitizeAddress(address)
	if !validation.IsValidEthAddress(address) {
		return nil, ErrInvalidAddress
	}
	already, err := e.store.IsWhitelisted(ctx, account, address)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, ErrAlreadyListed
	}
	entry := &WhitelistEntry{
		Account:   account,
		Address:   address,
		Label:     label,
		CreatedAt: time.Now(),
	}
	if err := e.store.AddWhitelist(ctx, entry); err != nil {
		return nil, err
	}
	e.record(ctx, account, "whitelist_added", audit.SeverityInfo, map[string]string{"address": address})
	return entry, nil
}

// RemoveWhitelist drops an address from the whitelist.
func (e *Engine) RemoveWhitelist(ctx context.Context, account, address string) error {
	account = strings.ToLower(account)
	address = validation.SanitizeAddress(address)
	if err := e.store.RemoveWhitelist(ctx, account, address); err != nil {
		return err
	}
	e.record(ctx, account, "whitelist_removed", audit.SeverityInfo, map[string]string{"address": address})
	return nil
}

// ListWhitelist returns the account's whitelist.
func (e *Engine) ListWhitelist(ctx context.Context, account string) ([]*WhitelistEntry, error) {
	return e.store.ListWhitelist(ctx, strings.ToLower(account))
}

func (e *Engine) observe(ctx context.Context, account, to, amount string, d *Decision) {
	metrics.TransferDecisionsTotal.WithLabelValues(d.Decision).Inc()
	if d.Decision == DecisionRejected {
		e.record(ctx, account, "limit_exceeded", audit.SeverityWarning, map[string]string{
			"to": to, "amount": amount, "window": string(d.Window),
		})
	}
}

func (e *Engine) record(ctx context.Context, account, event string, severity audit.Severity, details map[string]string) {
	if e.auditLog == nil {
		return
	}
	if err := e.auditLog.Record(ctx, account, event, severity, details); err != nil {
		logging.L(ctx).Error("failed to record audit event", "event", event, "error", err)
	}
}
