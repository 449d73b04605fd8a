// Package passkey validates WebAuthn ceremonies using go-webauthn.
//
// It adapts the library's full relying-party flow to the registry's
// verifier contract: the registry owns challenges and credential storage,
// this package owns the ceremony cryptography (attestation and assertion
// parsing, origin and RP ID checks, signature verification).
package passkey

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/temelreiz/auxite-wallet/internal/authfactor"
)

// Verifier implements authfactor.WebAuthnVerifier on top of go-webauthn.
type Verifier struct {
	wa *webauthn.WebAuthn
}

// NewVerifier creates a ceremony verifier for the given relying party.
func NewVerifier(rpID, origin, displayName string) (*Verifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPOrigins:     []string{origin},
		RPDisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	return &Verifier{wa: wa}, nil
}

// ceremonyUser carries just enough identity for the library's checks. The
// registry keys credentials by account, so the ceremony user ID only has
// to be consistent between the session and the user object.
type ceremonyUser struct {
	id          []byte
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.id }
func (u *ceremonyUser) WebAuthnName() string                       { return "auxite" }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return "Auxite" }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func ceremonyID(challenge string) []byte {
	sum := sha256.Sum256([]byte(challenge))
	return sum[:]
}

// VerifyRegistration validates an attestation response against the
// challenge and returns the new credential's ID, public key, and initial
// signature counter.
func (v *Verifier) VerifyRegistration(_ context.Context, challenge string, response []byte) (*authfactor.RegistrationResult, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("passkey: parse attestation: %w", err)
	}

	user := &ceremonyUser{id: ceremonyID(challenge)}
	session := webauthn.SessionData{
		Challenge: challenge,
		UserID:    user.id,
		Expires:   time.Now().Add(time.Minute),
	}

	cred, err := v.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("passkey: verify attestation: %w", err)
	}

	return &authfactor.RegistrationResult{
		CredentialID: protocol.URLEncodedBase64(cred.ID).String(),
		PublicKey:    cred.PublicKey,
		Counter:      cred.Authenticator.SignCount,
	}, nil
}

// VerifyAssertion validates an assertion response against the challenge
// and the stored public key, returning the authenticator's reported
// signature counter.
func (v *Verifier) VerifyAssertion(_ context.Context, challenge string, publicKey []byte, response []byte) (uint32, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return 0, fmt.Errorf("passkey: parse assertion: %w", err)
	}

	// Authenticators echo back the user handle set at registration; follow
	// it so the library's identity checks line up.
	id := ceremonyID(challenge)
	if len(parsed.Response.UserHandle) > 0 {
		id = parsed.Response.UserHandle
	}

	user := &ceremonyUser{
		id: id,
		credentials: []webauthn.Credential{{
			ID:        parsed.RawID,
			PublicKey: publicKey,
		}},
	}
	session := webauthn.SessionData{
		Challenge: challenge,
		UserID:    user.id,
		Expires:   time.Now().Add(time.Minute),
	}

	cred, err := v.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return 0, fmt.Errorf("passkey: verify assertion: %w", err)
	}
	return cred.Authenticator.SignCount, nil
}

var _ authfactor.WebAuthnVerifier = (*Verifier)(nil)
