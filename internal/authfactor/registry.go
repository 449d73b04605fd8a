package authfactor

import (
	"context"
	"strings"
	"time"

	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/idgen"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
)

// Registry manages an account's authentication factors.
type Registry struct {
	store      Store
	auditLog   *audit.Log
	totp       TOTPVerifier
	webauthn   WebAuthnVerifier
	challenges *challengeStore
}

// NewRegistry creates a factor registry over the given store.
func NewRegistry(store Store, auditLog *audit.Log) *Registry {
	return &Registry{
		store:      store,
		auditLog:   auditLog,
		challenges: newChallengeStore(),
	}
}

// WithTOTPVerifier wires a TOTP verifier. Without one, TOTP confirm/check
// operations fail with ErrVerifierMissing.
func (r *Registry) WithTOTPVerifier(v TOTPVerifier) *Registry {
	r.totp = v
	return r
}

// WithWebAuthnVerifier wires a WebAuthn verifier.
func (r *Registry) WithWebAuthnVerifier(v WebAuthnVerifier) *Registry {
	r.webauthn = v
	return r
}

// --- TOTP lifecycle ---

// TOTPSetup holds what the client needs to enroll an authenticator app.
// The backup codes are plaintext, shown exactly once.
type TOTPSetup struct {
	Secret      string   `json:"secret"`
	OtpauthURI  string   `json:"otpauthUri"`
	BackupCodes []string `json:"backupCodes"`
}

// BeginTOTPSetup generates a pending TOTP secret and the backup code set.
// The codes stay inert until confirmation enables the factor. Calling it
// again before confirmation replaces both the pending secret and the
// codes. Enabled TOTP cannot be replaced without disabling first.
func (r *Registry) BeginTOTPSetup(ctx context.Context, account string) (*TOTPSetup, error) {
	account = strings.ToLower(account)

	if existing, err := r.store.GetTOTP(ctx, account); err == nil && existing.Enabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, err := generateTOTPSecret()
	if err != nil {
		return nil, err
	}
	f := &TOTPFactor{
		Account:   account,
		Secret:    secret,
		CreatedAt: time.Now(),
	}
	if err := r.store.SaveTOTP(ctx, f); err != nil {
		return nil, err
	}

	plain, stored, err := generateBackupCodes(account)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceBackupCodes(ctx, account, stored); err != nil {
		return nil, err
	}

	return &TOTPSetup{
		Secret:      secret,
		OtpauthURI:  "otpauth://totp/Auxite:" + account + "?secret=" + secret + "&issuer=Auxite",
		BackupCodes: plain,
	}, nil
}

// ConfirmTOTPSetup enables TOTP after the user proves possession of the
// secret. The backup codes issued at setup become usable from here on.
func (r *Registry) ConfirmTOTPSetup(ctx context.Context, account, code string) error {
	account = strings.ToLower(account)
	if r.totp == nil {
		return ErrVerifierMissing
	}

	f, err := r.store.GetTOTP(ctx, account)
	if err != nil {
		return ErrTOTPNotPending
	}
	if f.Enabled {
		return ErrTOTPAlreadyEnabled
	}
	if !r.totp.Verify(f.Secret, code, time.Now()) {
		return ErrInvalidCode
	}

	f.Enabled = true
	f.EnabledAt = time.Now()
	if err := r.store.SaveTOTP(ctx, f); err != nil {
		return err
	}

	r.record(ctx, account, "totp_enabled", audit.SeverityInfo, nil)
	return nil
}

// DisableTOTP turns TOTP off and invalidates all backup codes. Requires a
// currently valid code.
func (r *Registry) DisableTOTP(ctx context.Context, account, code string) error {
	account = strings.ToLower(account)
	if err := r.CheckTOTP(ctx, account, code); err != nil {
		return err
	}
	if err := r.store.DeleteTOTP(ctx, account); err != nil {
		return err
	}
	if err := r.store.ReplaceBackupCodes(ctx, account, nil); err != nil {
		return err
	}
	r.record(ctx, account, "totp_disabled", audit.SeverityWarning, nil)
	return nil
}

// CheckTOTP validates a TOTP code for an enabled factor.
func (r *Registry) CheckTOTP(ctx context.Context, account, code string) error {
	if r.totp == nil {
		return ErrVerifierMissing
	}
	f, err := r.store.GetTOTP(ctx, strings.ToLower(account))
	if err != nil || !f.Enabled {
		return ErrTOTPNotConfigured
	}
	if !r.totp.Verify(f.Secret, code, time.Now()) {
		return ErrInvalidCode
	}
	return nil
}

// --- Backup codes ---

// ConsumeBackupCode validates and burns a single backup code. Codes only
// work once TOTP is confirmed; an abandoned setup leaves nothing usable.
// The consume is atomic at the store: two concurrent attempts with the
// same code cannot both succeed.
func (r *Registry) ConsumeBackupCode(ctx context.Context, account, code string) error {
	account = strings.ToLower(account)
	if f, err := r.store.GetTOTP(ctx, account); err != nil || !f.Enabled {
		return ErrTOTPNotConfigured
	}
	codes, err := r.store.ListBackupCodes(ctx, account)
	if err != nil {
		return err
	}
	for _, c := range codes {
		if !verifyBackupCode(code, c.Hash) {
			continue
		}
		if c.Used {
			r.record(ctx, account, "backup_code_reuse", audit.SeverityWarning, nil)
			return ErrCodeUsed
		}
		if err := r.store.ConsumeBackupCode(ctx, account, c.ID); err != nil {
			return err
		}
		r.record(ctx, account, "backup_code_used", audit.SeverityWarning, nil)
		return nil
	}
	return ErrInvalidCode
}

// RegenerateBackupCodes replaces every remaining code with a fresh set.
// Requires a valid TOTP code.
func (r *Registry) RegenerateBackupCodes(ctx context.Context, account, totpCode string) ([]string, error) {
	account = strings.ToLower(account)
	if err := r.CheckTOTP(ctx, account, totpCode); err != nil {
		return nil, err
	}
	plain, stored, err := generateBackupCodes(account)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceBackupCodes(ctx, account, stored); err != nil {
		return nil, err
	}
	r.record(ctx, account, "backup_codes_regenerated", audit.SeverityInfo, nil)
	return plain, nil
}

// CheckFactor accepts either a TOTP code or a backup code. Used by flows
// that need strong re-auth (panic deactivation).
func (r *Registry) CheckFactor(ctx context.Context, account, code string) error {
	if err := r.CheckTOTP(ctx, account, code); err == nil {
		return nil
	}
	return r.ConsumeBackupCode(ctx, account, code)
}

// --- WebAuthn ---

// BeginRegistration starts a credential registration ceremony. Returns the
// challenge and the IDs of every credential already registered so the
// client can exclude them from authenticator selection.
func (r *Registry) BeginRegistration(ctx context.Context, account string) (*Challenge, []string, error) {
	if r.webauthn == nil {
		return nil, nil, ErrVerifierMissing
	}
	creds, err := r.store.ListCredentials(ctx, strings.ToLower(account))
	if err != nil {
		return nil, nil, err
	}
	var exclude []string
	for _, c := range creds {
		exclude = append(exclude, c.ID)
	}
	ch, err := r.challenges.create(account, "register")
	if err != nil {
		return nil, nil, err
	}
	return ch, exclude, nil
}

// FinishRegistration verifies the attestation response and stores the
// credential. The challenge is burned no matter what the verifier says.
func (r *Registry) FinishRegistration(ctx context.Context, account, challengeID, name string, response []byte) (*WebAuthnCredential, error) {
	account = strings.ToLower(account)
	if r.webauthn == nil {
		return nil, ErrVerifierMissing
	}

	ch, err := r.challenges.take(account, "register", challengeID)
	if err != nil {
		return nil, err
	}

	result, err := r.webauthn.VerifyRegistration(ctx, ch.Value, response)
	if err != nil {
		return nil, ErrInvalidCode
	}

	cred := &WebAuthnCredential{
		ID:        result.CredentialID,
		Account:   account,
		Name:      name,
		PublicKey: result.PublicKey,
		Counter:   result.Counter,
		CreatedAt: time.Now(),
	}
	if cred.ID == "" {
		cred.ID = idgen.WithPrefix("cred_")
	}
	if err := r.store.AddCredential(ctx, cred); err != nil {
		return nil, err
	}

	r.record(ctx, account, "webauthn_registered", audit.SeverityInfo, map[string]string{"credentialId": cred.ID})
	return cred, nil
}

// BeginAuthentication starts an assertion ceremony. Returns the challenge
// and the IDs of the account's usable credentials.
func (r *Registry) BeginAuthentication(ctx context.Context, account string) (*Challenge, []string, error) {
	if r.webauthn == nil {
		return nil, nil, ErrVerifierMissing
	}
	creds, err := r.store.ListCredentials(ctx, strings.ToLower(account))
	if err != nil {
		return nil, nil, err
	}
	var ids []string
	for _, c := range creds {
		if !c.Disabled {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil, ErrCredentialNotFound
	}
	ch, err := r.challenges.create(account, "auth")
	if err != nil {
		return nil, nil, err
	}
	return ch, ids, nil
}

// FinishAuthentication verifies an assertion response against a stored
// credential and enforces strict counter monotonicity. A reported counter
// at or below the stored one (when either is nonzero) means the private
// key exists in more than one place: the credential is disabled, flagged,
// and the call fails with ErrCloneDetected.
func (r *Registry) FinishAuthentication(ctx context.Context, account, challengeID, credentialID string, response []byte) error {
	account = strings.ToLower(account)
	if r.webauthn == nil {
		return ErrVerifierMissing
	}

	ch, err := r.challenges.take(account, "auth", challengeID)
	if err != nil {
		return err
	}

	cred, err := r.store.GetCredential(ctx, account, credentialID)
	if err != nil {
		return ErrCredentialNotFound
	}
	if cred.Disabled {
		return ErrCredentialDisabled
	}

	counter, err := r.webauthn.VerifyAssertion(ctx, ch.Value, cred.PublicKey, response)
	if err != nil {
		return ErrInvalidCode
	}

	// Authenticators without a counter report zero on every assertion;
	// monotonicity only applies once either side is nonzero.
	if (cred.Counter != 0 || counter != 0) && counter <= cred.Counter {
		cred.Disabled = true
		cred.CloneFlagged = true
		if uerr := r.store.UpdateCredential(ctx, cred); uerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to disable cloned credential",
				"account", account, "credential", cred.ID, "error", uerr)
		}
		metrics.CloneDetectionsTotal.Inc()
		r.record(ctx, account, "clone_detected", audit.SeverityDanger, map[string]string{
			"credentialId": cred.ID,
		})
		return ErrCloneDetected
	}

	cred.Counter = counter
	cred.LastUsedAt = time.Now()
	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	r.record(ctx, account, "webauthn_verified", audit.SeverityInfo, map[string]string{"credentialId": cred.ID})
	return nil
}

// --- Status ---

// FactorStatus summarizes an account's enrolled factors.
type FactorStatus struct {
	TOTPEnabled          bool `json:"totpEnabled"`
	WebAuthnCredentials  int  `json:"webauthnCredentials"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

// ListFactors reports the current factor status for an account.
func (r *Registry) ListFactors(ctx context.Context, account string) (*FactorStatus, error) {
	account = strings.ToLower(account)
	status := &FactorStatus{}

	if f, err := r.store.GetTOTP(ctx, account); err == nil && f.Enabled {
		status.TOTPEnabled = true
	}
	creds, err := r.store.ListCredentials(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if !c.Disabled {
			status.WebAuthnCredentials++
		}
	}
	// Codes issued during an unconfirmed setup are not usable yet, so they
	// do not count.
	if status.TOTPEnabled {
		codes, err := r.store.ListBackupCodes(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, c := range codes {
			if !c.Used {
				status.BackupCodesRemaining++
			}
		}
	}
	return status, nil
}

func (r *Registry) record(ctx context.Context, account, event string, severity audit.Severity, details map[string]string) {
	if r.auditLog == nil {
		return
	}
	if err := r.auditLog.Record(ctx, account, event, severity, details); err != nil {
		logging.L(ctx).Error("failed to record audit event", "event", event, "error", err)
	}
}
