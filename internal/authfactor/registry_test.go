package authfactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
)

// stubTOTP accepts a single fixed code.
type stubTOTP struct {
	accept string
}

func (s *stubTOTP) Verify(_, code string, _ time.Time) bool {
	return code == s.accept
}

// stubWebAuthn replays a scripted counter and credential.
type stubWebAuthn struct {
	credentialID string
	counter      uint32
	fail         bool
}

func (s *stubWebAuthn) VerifyRegistration(_ context.Context, _ string, _ []byte) (*RegistrationResult, error) {
	if s.fail {
		return nil, errors.New("bad attestation")
	}
	return &RegistrationResult{CredentialID: s.credentialID, PublicKey: []byte{1, 2, 3}, Counter: s.counter}, nil
}

func (s *stubWebAuthn) VerifyAssertion(_ context.Context, _ string, _ []byte, _ []byte) (uint32, error) {
	if s.fail {
		return 0, errors.New("bad assertion")
	}
	return s.counter, nil
}

func newTestRegistry(totpCode string, wa *stubWebAuthn) *Registry {
	r := NewRegistry(NewMemoryStore(), audit.NewLog(audit.NewMemoryStore()))
	if totpCode != "" {
		r.WithTOTPVerifier(&stubTOTP{accept: totpCode})
	}
	if wa != nil {
		r.WithWebAuthnVerifier(wa)
	}
	return r
}

const acct = "0xAAA0000000000000000000000000000000000001"

func enableTOTP(t *testing.T, r *Registry) []string {
	t.Helper()
	ctx := context.Background()
	setup, err := r.BeginTOTPSetup(ctx, acct)
	if err != nil {
		t.Fatalf("BeginTOTPSetup: %v", err)
	}
	if err := r.ConfirmTOTPSetup(ctx, acct, "123456"); err != nil {
		t.Fatalf("ConfirmTOTPSetup: %v", err)
	}
	return setup.BackupCodes
}

func TestTOTPLifecycle(t *testing.T) {
	r := newTestRegistry("123456", nil)
	ctx := context.Background()

	setup, err := r.BeginTOTPSetup(ctx, acct)
	if err != nil {
		t.Fatalf("BeginTOTPSetup: %v", err)
	}
	if setup.Secret == "" || setup.OtpauthURI == "" {
		t.Fatal("setup must return secret and URI")
	}
	// Backup codes are issued at setup, shown once with the secret.
	if len(setup.BackupCodes) != backupCodeCount {
		t.Fatalf("expected %d backup codes at setup, got %d", backupCodeCount, len(setup.BackupCodes))
	}

	// Wrong code does not enable
	if err := r.ConfirmTOTPSetup(ctx, acct, "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if err := r.CheckTOTP(ctx, acct, "123456"); !errors.Is(err, ErrTOTPNotConfigured) {
		t.Fatalf("pending totp must not validate, got %v", err)
	}
	// Codes stay inert until the factor is confirmed.
	if err := r.ConsumeBackupCode(ctx, acct, setup.BackupCodes[0]); !errors.Is(err, ErrTOTPNotConfigured) {
		t.Fatalf("pending backup code must not consume, got %v", err)
	}
	if status, _ := r.ListFactors(ctx, acct); status.BackupCodesRemaining != 0 {
		t.Fatalf("pending codes must not count: %+v", status)
	}

	if err := r.ConfirmTOTPSetup(ctx, acct, "123456"); err != nil {
		t.Fatalf("ConfirmTOTPSetup: %v", err)
	}

	if err := r.CheckTOTP(ctx, acct, "123456"); err != nil {
		t.Errorf("CheckTOTP: %v", err)
	}
	if err := r.ConsumeBackupCode(ctx, acct, setup.BackupCodes[0]); err != nil {
		t.Errorf("confirmed backup code must consume: %v", err)
	}

	// Re-setup while enabled is rejected
	if _, err := r.BeginTOTPSetup(ctx, acct); !errors.Is(err, ErrTOTPAlreadyEnabled) {
		t.Errorf("expected ErrTOTPAlreadyEnabled, got %v", err)
	}

	// Disable wipes codes too
	if err := r.DisableTOTP(ctx, acct, "123456"); err != nil {
		t.Fatalf("DisableTOTP: %v", err)
	}
	status, _ := r.ListFactors(ctx, acct)
	if status.TOTPEnabled || status.BackupCodesRemaining != 0 {
		t.Errorf("disable must clear factor and codes: %+v", status)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	r := newTestRegistry("123456", nil)
	ctx := context.Background()
	codes := enableTOTP(t, r)

	if err := r.ConsumeBackupCode(ctx, acct, codes[0]); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := r.ConsumeBackupCode(ctx, acct, codes[0]); !errors.Is(err, ErrCodeUsed) {
		t.Fatalf("second use must fail with ErrCodeUsed, got %v", err)
	}
	if err := r.ConsumeBackupCode(ctx, acct, "NOTACODE99"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("unknown code: got %v", err)
	}

	status, _ := r.ListFactors(ctx, acct)
	if status.BackupCodesRemaining != backupCodeCount-1 {
		t.Errorf("expected %d remaining, got %d", backupCodeCount-1, status.BackupCodesRemaining)
	}
}

func TestBackupCodeConcurrentConsume(t *testing.T) {
	r := newTestRegistry("123456", nil)
	ctx := context.Background()
	codes := enableTOTP(t, r)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ConsumeBackupCode(ctx, acct, codes[0]); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("exactly one consume may succeed, got %d", successes)
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	r := newTestRegistry("123456", nil)
	ctx := context.Background()
	old := enableTOTP(t, r)

	_ = r.ConsumeBackupCode(ctx, acct, old[0])

	fresh, err := r.RegenerateBackupCodes(ctx, acct, "123456")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(fresh) != backupCodeCount {
		t.Fatalf("expected full fresh set, got %d", len(fresh))
	}

	// Old codes are dead
	if err := r.ConsumeBackupCode(ctx, acct, old[1]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("old code must be invalid after regenerate, got %v", err)
	}
	if err := r.ConsumeBackupCode(ctx, acct, fresh[0]); err != nil {
		t.Errorf("fresh code must work: %v", err)
	}

	// Requires a valid TOTP code
	if _, err := r.RegenerateBackupCodes(ctx, acct, "999999"); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected ErrInvalidCode, got %v", err)
	}
}

func TestWebAuthnRegistrationAndAuth(t *testing.T) {
	wa := &stubWebAuthn{credentialID: "cred_abc", counter: 5}
	r := newTestRegistry("", wa)
	ctx := context.Background()

	ch, exclude, err := r.BeginRegistration(ctx, acct)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if len(exclude) != 0 {
		t.Fatalf("first registration must exclude nothing: %v", exclude)
	}
	cred, err := r.FinishRegistration(ctx, acct, ch.ID, "yubikey", []byte("resp"))
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if cred.Counter != 5 {
		t.Errorf("counter not stored: %d", cred.Counter)
	}

	// A second ceremony lists the registered credential for exclusion.
	_, exclude, err = r.BeginRegistration(ctx, acct)
	if err != nil {
		t.Fatalf("BeginRegistration again: %v", err)
	}
	if len(exclude) != 1 || exclude[0] != "cred_abc" {
		t.Fatalf("existing credential must be excluded: %v", exclude)
	}

	authCh, ids, err := r.BeginAuthentication(ctx, acct)
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	if len(ids) != 1 || ids[0] != "cred_abc" {
		t.Fatalf("credential ids wrong: %v", ids)
	}

	wa.counter = 6
	if err := r.FinishAuthentication(ctx, acct, authCh.ID, "cred_abc", []byte("resp")); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	wa := &stubWebAuthn{credentialID: "cred_x", counter: 1}
	r := newTestRegistry("", wa)
	ctx := context.Background()

	ch, _, _ := r.BeginRegistration(ctx, acct)

	// First attempt fails verification; challenge must still be burned.
	wa.fail = true
	if _, err := r.FinishRegistration(ctx, acct, ch.ID, "key", []byte("bad")); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	wa.fail = false
	if _, err := r.FinishRegistration(ctx, acct, ch.ID, "key", []byte("good")); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("challenge must be single-use, got %v", err)
	}
	if r.challenges.len() != 0 {
		t.Errorf("challenge map must be empty, has %d", r.challenges.len())
	}
}

func TestChallengeExpiry(t *testing.T) {
	wa := &stubWebAuthn{credentialID: "cred_x", counter: 1}
	r := newTestRegistry("", wa)
	r.challenges.ttl = -time.Second // everything born expired
	ctx := context.Background()

	ch, _, err := r.BeginRegistration(ctx, acct)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if _, err := r.FinishRegistration(ctx, acct, ch.ID, "key", []byte("resp")); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestCloneDetection(t *testing.T) {
	wa := &stubWebAuthn{credentialID: "cred_clone", counter: 10}
	r := newTestRegistry("", wa)
	ctx := context.Background()

	ch, _, _ := r.BeginRegistration(ctx, acct)
	if _, err := r.FinishRegistration(ctx, acct, ch.ID, "key", []byte("resp")); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}

	// Counter goes backwards: clone.
	wa.counter = 10 // not greater than stored 10
	authCh, _, _ := r.BeginAuthentication(ctx, acct)
	err := r.FinishAuthentication(ctx, acct, authCh.ID, "cred_clone", []byte("resp"))
	if !errors.Is(err, ErrCloneDetected) {
		t.Fatalf("expected ErrCloneDetected, got %v", err)
	}

	// Credential is disabled and flagged; further auth is impossible.
	cred, _ := r.store.GetCredential(ctx, "0xaaa0000000000000000000000000000000000001", "cred_clone")
	if !cred.Disabled || !cred.CloneFlagged {
		t.Fatalf("credential must be disabled and flagged: %+v", cred)
	}
	if _, _, err := r.BeginAuthentication(ctx, acct); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("no usable credentials should remain, got %v", err)
	}
}

func TestZeroCounterAuthenticators(t *testing.T) {
	// Authenticators without counters always report zero; that is not a clone.
	wa := &stubWebAuthn{credentialID: "cred_zero", counter: 0}
	r := newTestRegistry("", wa)
	ctx := context.Background()

	ch, _, _ := r.BeginRegistration(ctx, acct)
	if _, err := r.FinishRegistration(ctx, acct, ch.ID, "key", []byte("resp")); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}

	for i := 0; i < 3; i++ {
		authCh, _, _ := r.BeginAuthentication(ctx, acct)
		if err := r.FinishAuthentication(ctx, acct, authCh.ID, "cred_zero", []byte("resp")); err != nil {
			t.Fatalf("zero-counter auth %d: %v", i, err)
		}
	}
}

func TestVerifierMissing(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), audit.NewLog(audit.NewMemoryStore()))
	ctx := context.Background()

	if err := r.ConfirmTOTPSetup(ctx, acct, "123456"); !errors.Is(err, ErrVerifierMissing) {
		t.Errorf("totp confirm without verifier: got %v", err)
	}
	if _, _, err := r.BeginRegistration(ctx, acct); !errors.Is(err, ErrVerifierMissing) {
		t.Errorf("webauthn begin without verifier: got %v", err)
	}
}

func TestChallengeStoreBounded(t *testing.T) {
	cs := newChallengeStore()
	cs.max = 3
	for i := 0; i < 3; i++ {
		if _, err := cs.create(acct, "auth"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := cs.create(acct, "auth"); !errors.Is(err, ErrTooManyChallenges) {
		t.Fatalf("expected ErrTooManyChallenges, got %v", err)
	}
}
