package secrets

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Prompter asks the operator for a passphrase.
type Prompter interface {
	ReadPassphrase(prompt string) (string, error)
}

// Unlocker establishes the session key interactively.
type Unlocker struct {
	prompter Prompter
	log      zerolog.Logger
}

// NewUnlocker creates an Unlocker that asks through p.
func NewUnlocker(p Prompter, log zerolog.Logger) *Unlocker {
	return &Unlocker{
		prompter: p,
		log:      log.With().Str("component", "secrets").Logger(),
	}
}

// NewKey asks once for the passphrase that will encrypt a freshly built store.
func (u *Unlocker) NewKey() (*Key, error) {
	raw, err := u.prompter.ReadPassphrase("Enter password to encrypt privatekeys (empty for default):")
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if raw == "" {
		u.log.Info().Msg("Empty password set for database")
	}
	return Derive(raw), nil
}

// Unlock finds the key that opens sample. The default key is tried silently
// first; after that the operator is asked until a passphrase works.
func (u *Unlocker) Unlock(sample string) (*Key, error) {
	if _, err := Decrypt(sample, DefaultKey()); err == nil {
		return DefaultKey(), nil
	}

	for {
		raw, err := u.prompter.ReadPassphrase("Enter password to decrypt your privatekeys (empty for default):")
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}

		key := Derive(raw)
		if _, err := Decrypt(sample, key); err != nil {
			if errors.Is(err, ErrAuthentication) {
				u.log.Error().Msg("Invalid password")
				continue
			}
			return nil, err
		}

		u.log.Info().Msg("Access granted")
		return key, nil
	}
}
