// Package totp implements RFC 6238 time-based one-time passwords.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	// Period is the TOTP time step.
	Period = 30 * time.Second

	// Digits in a generated code.
	Digits = 6

	// SkewSteps accepted either side of the current step, covering clock
	// drift between the server and the authenticator app.
	SkewSteps = 1
)

// Verifier checks TOTP codes against a shared secret.
type Verifier struct{}

// NewVerifier creates a TOTP verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify reports whether code is valid for the base32 secret at the given
// time, within the accepted clock skew.
func (v *Verifier) Verify(secret, code string, at time.Time) bool {
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return false
	}

	step := at.Unix() / int64(Period/time.Second)
	for offset := int64(-SkewSteps); offset <= SkewSteps; offset++ {
		if generate(key, uint64(step+offset)) == code {
			return true
		}
	}
	return false
}

// Generate returns the code for the secret at the given time. Used by
// tests and enrollment previews.
func Generate(secret string, at time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	step := uint64(at.Unix() / int64(Period/time.Second))
	return generate(key, step), nil
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("totp: invalid secret: %w", err)
	}
	return key, nil
}

// generate implements HOTP (RFC 4226) with dynamic truncation.
func generate(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1_000_000)
}
