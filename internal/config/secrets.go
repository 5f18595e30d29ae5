package config

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"

	apperrors "odsflow/pkg/errors"
)

const (
	keyringService = "odsflow"
	keyringPrefix  = "keyring:"
)

// IsKeyringRef reports whether value names an OS keychain entry.
func IsKeyringRef(value string) bool {
	return strings.HasPrefix(value, keyringPrefix)
}

// ResolveSecret turns a configured secret into its plain value. Supported
// forms are ENC[...], keyring:<name> and plain text.
func ResolveSecret(value string) (string, error) {
	switch {
	case IsEncrypted(value):
		plain, err := DecryptPassword(value)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeSecretResolution, "Failed to decrypt secret").
				WithSuggestions("Check that ODSFLOW_ENCRYPTION_KEY matches the key used by 'odsflow secret encrypt'")
		}
		return plain, nil
	case IsKeyringRef(value):
		name := strings.TrimPrefix(value, keyringPrefix)
		if name == "" {
			return "", apperrors.New(apperrors.ErrCodeSecretResolution, "Keyring reference has no name")
		}
		plain, err := keyring.Get(keyringService, name)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeSecretResolution,
				fmt.Sprintf("Failed to read %q from the OS keychain", name)).
				WithContext("name", name).
				WithSuggestions(fmt.Sprintf("Store it with 'odsflow secret store %s'", name))
		}
		return plain, nil
	default:
		return value, nil
	}
}

// StoreSecret saves value in the OS keychain and returns the reference to
// put in the config file.
func StoreSecret(name, value string) (string, error) {
	if name == "" {
		return "", apperrors.New(apperrors.ErrCodeSecretResolution, "Secret name is required")
	}
	if err := keyring.Set(keyringService, name, value); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeSecretResolution, "Failed to store secret in the OS keychain").
			WithContext("name", name)
	}
	return keyringPrefix + name, nil
}

// DeleteSecret removes a keychain entry.
func DeleteSecret(name string) error {
	if err := keyring.Delete(keyringService, name); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSecretResolution, "Failed to delete secret").
			WithContext("name", name)
	}
	return nil
}
