package authfactor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/temelreiz/auxite-wallet/internal/idgen"
)

// Backup code parameters. Codes are short user-facing strings, so they get
// a real KDF rather than a bare hash.
const (
	backupCodeCount  = 8
	backupCodeLength = 10

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateBackupCodes returns the plaintext codes (shown once) and their
// stored hashed records.
func generateBackupCodes(account string) (plain []string, stored []*BackupCode, err error) {
	now := time.Now()
	for i := 0; i < backupCodeCount; i++ {
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("authfactor: generate backup code: %w", err)
		}
		code := codeEncoding.EncodeToString(b)[:backupCodeLength]
		hash, err := hashBackupCode(code)
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, code)
		stored = append(stored, &BackupCode{
			ID:        idgen.WithPrefix("bak_"),
			Account:   account,
			Hash:      hash,
			CreatedAt: now,
		})
	}
	return plain, stored, nil
}

// hashBackupCode derives an argon2id hash in the standard encoded form:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func hashBackupCode(code string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("authfactor: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(normalizeCode(code)), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyBackupCode checks a plaintext code against a stored hash.
func verifyBackupCode(code, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(normalizeCode(code)), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// normalizeCode strips separators and upcases so "ab3d-e" matches "AB3DE".
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// generateTOTPSecret returns a new 160-bit base32 TOTP secret.
func generateTOTPSecret() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("authfactor: generate totp secret: %w", err)
	}
	return codeEncoding.EncodeToString(b), nil
}
