// Package secrets encrypts account private keys at rest.
//
// Tokens are Fernet tokens keyed by the md5 hex digest of a passphrase, the
// format used by every store this tool has written so far. An empty passphrase
// selects a well-known default key; that mode only keeps keys out of plain
// sight and is not meant to protect them.
package secrets

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// defaultPassphrase is what an empty passphrase maps to.
const defaultPassphrase = "@karamelniy dumb shit encrypting"

// ErrAuthentication is returned when a token was not produced with the key.
var ErrAuthentication = errors.New("invalid password")

// Key is a session credential derived from a passphrase.
type Key struct {
	fk        fernet.Key
	isDefault bool
}

// Derive turns a passphrase into a key. The empty passphrase yields DefaultKey.
func Derive(passphrase string) *Key {
	if passphrase == "" {
		return DefaultKey()
	}
	return derive(passphrase, false)
}

// DefaultKey returns the key used when no passphrase was set.
func DefaultKey() *Key {
	return derive(defaultPassphrase, true)
}

func derive(passphrase string, isDefault bool) *Key {
	sum := md5.Sum([]byte(passphrase))
	k := &Key{isDefault: isDefault}
	// the 32 hex characters themselves are the key material
	copy(k.fk[:], hex.EncodeToString(sum[:]))
	return k
}

// IsDefault reports whether the key came from the empty passphrase.
func (k *Key) IsDefault() bool {
	return k != nil && k.isDefault
}

// Encrypt seals plaintext into a URL-safe token.
func Encrypt(plaintext string, key *Key) (string, error) {
	if key == nil {
		return "", fmt.Errorf("encrypt: no key set")
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), &key.fk)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token sealed by Encrypt with the same key.
func Decrypt(token string, key *Key) (string, error) {
	if key == nil {
		return "", fmt.Errorf("decrypt: no key set")
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), -1, []*fernet.Key{&key.fk})
	if msg == nil {
		return "", ErrAuthentication
	}
	return string(msg), nil
}
