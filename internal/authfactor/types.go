// Package authfactor manages the authentication factors of an account:
// TOTP, single-use backup codes, and WebAuthn credentials.
//
// Cryptographic verification of TOTP codes and WebAuthn ceremonies is
// delegated to injected verifiers; this package owns the lifecycle,
// storage, challenge bookkeeping, and clone detection around them.
package authfactor

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrTOTPNotConfigured  = errors.New("authfactor: totp not configured")
	ErrTOTPAlreadyEnabled = errors.New("authfactor: totp already enabled")
	ErrTOTPNotPending     = errors.New("authfactor: no totp setup in progress")
	ErrInvalidCode        = errors.New("authfactor: invalid code")
	ErrCodeUsed           = errors.New("authfactor: backup code already used")
	ErrChallengeNotFound  = errors.New("authfactor: challenge not found")
	ErrChallengeExpired   = errors.New("authfactor: challenge expired")
	ErrTooManyChallenges  = errors.New("authfactor: too many outstanding challenges")
	ErrCredentialNotFound = errors.New("authfactor: credential not found")
	ErrCredentialDisabled = errors.New("authfactor: credential disabled")
	ErrCloneDetected      = errors.New("authfactor: authenticator clone detected")
	ErrVerifierMissing    = errors.New("authfactor: verifier unavailable")
)

// TOTPFactor is an account's TOTP enrollment. The secret stays server-side;
// it is only returned once, at setup time.
type TOTPFactor struct {
	Account   string    `json:"account"`
	Secret    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	EnabledAt time.Time `json:"enabledAt,omitempty"`
}

// BackupCode is a stored (hashed) single-use recovery code.
type BackupCode struct {
	ID        string    `json:"id"`
	Account   string    `json:"-"`
	Hash      string    `json:"-"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebAuthnCredential is a registered authenticator.
type WebAuthnCredential struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Name         string    `json:"name"`
	PublicKey    []byte    `json:"-"`
	Counter      uint32    `json:"counter"`
	Disabled     bool      `json:"disabled"`
	CloneFlagged bool      `json:"cloneFlagged"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt,omitempty"`
}

// Challenge is a short-lived, single-use ceremony challenge.
type Challenge struct {
	ID        string    `json:"id"`
	Account   string    `json:"-"`
	Purpose   string    `json:"purpose"` // "register" or "auth"
	Value     string    `json:"value"`   // base64url random bytes for the client
	ExpiresAt time.Time `json:"expiresAt"`
}

// TOTPVerifier checks a TOTP code against a shared secret. Implementations
// must accept codes from the previous and next 30-second step (clock skew).
type TOTPVerifier interface {
	Verify(secret, code string, at time.Time) bool
}

// RegistrationResult is the verifier's parsed attestation output.
type RegistrationResult struct {
	CredentialID string
	PublicKey    []byte
	Counter      uint32
}

// WebAuthnVerifier validates WebAuthn ceremony responses. The ceremony
// crypto lives outside this module; the verifier reports the parsed
// credential data (registration) or the authenticator's signature counter
// (assertion) after checking the response against the challenge.
type WebAuthnVerifier interface {
	VerifyRegistration(ctx context.Context, challenge string, response []byte) (*RegistrationResult, error)
	VerifyAssertion(ctx context.Context, challenge string, publicKey []byte, response []byte) (counter uint32, err error)
}

// Store persists factors and credentials.
type Store interface {
	GetTOTP(ctx context.Context, account string) (*TOTPFactor, error)
	SaveTOTP(ctx context.Context, f *TOTPFactor) error
	DeleteTOTP(ctx context.Context, account string) error

	ReplaceBackupCodes(ctx context.Context, account string, codes []*BackupCode) error
	ListBackupCodes(ctx context.Context, account string) ([]*BackupCode, error)
	// ConsumeBackupCode marks the code used. It must be atomic: a code
	// already marked used returns ErrCodeUsed.
	ConsumeBackupCode(ctx context.Context, account, codeID string) error

	AddCredential(ctx context.Context, c *WebAuthnCredential) error
	GetCredential(ctx context.Context, account, credentialID string) (*WebAuthnCredential, error)
	ListCredentials(ctx context.Context, account string) ([]*WebAuthnCredential, error)
	UpdateCredential(ctx context.Context, c *WebAuthnCredential) error
}
