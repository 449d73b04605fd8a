package passkey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier("wallet.auxite.io", "https://wallet.auxite.io", "Auxite Wallet")
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestNewVerifierBadConfig(t *testing.T) {
	_, err := NewVerifier("", "", "")
	assert.Error(t, err)
}

func TestVerifyRegistrationRejectsGarbage(t *testing.T) {
	v, err := NewVerifier("wallet.auxite.io", "https://wallet.auxite.io", "Auxite Wallet")
	require.NoError(t, err)

	_, err = v.VerifyRegistration(context.Background(), "challenge", []byte("not json"))
	assert.Error(t, err)
}

func TestVerifyAssertionRejectsGarbage(t *testing.T) {
	v, err := NewVerifier("wallet.auxite.io", "https://wallet.auxite.io", "Auxite Wallet")
	require.NoError(t, err)

	_, err = v.VerifyAssertion(context.Background(), "challenge", []byte{0x01}, []byte("{}"))
	assert.Error(t, err)
}
