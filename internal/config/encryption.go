package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"odsflow/pkg/models"
)

const (
	encryptedPrefix = "ENC["
	encryptedSuffix = "]"

	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100000
)

// passphrase is ODSFLOW_ENCRYPTION_KEY, or a machine-specific value when
// unset so that encrypted configs still cannot be copied between hosts.
func passphrase() []byte {
	if key := os.Getenv("ODSFLOW_ENCRYPTION_KEY"); key != "" {
		return []byte(key)
	}

	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	machineID := fmt.Sprintf("%s-%s-%s-odsflow", hostname, homeDir, runtime.GOOS)
	hash := sha256.Sum256([]byte(machineID))
	return hash[:]
}

func deriveKey(salt []byte) []byte {
	return pbkdf2.Key(passphrase(), salt, pbkdf2Iterations, keySize, sha256.New)
}

// EncryptPassword encrypts a password using AES-256-GCM. The output is
// ENC[base64(salt | nonce | ciphertext)].
func EncryptPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}

	if IsEncrypted(password) || IsKeyringRef(password) {
		return password, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(password), nil)
	payload := append(append(salt, nonce...), sealed...)
	encoded := base64.StdEncoding.EncodeToString(payload)

	return fmt.Sprintf("%s%s%s", encryptedPrefix, encoded, encryptedSuffix), nil
}

// DecryptPassword decrypts a password encrypted with EncryptPassword
func DecryptPassword(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	if !IsEncrypted(encrypted) {
		return encrypted, nil
	}

	encoded := strings.TrimPrefix(encrypted, encryptedPrefix)
	encoded = strings.TrimSuffix(encoded, encryptedSuffix)

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted password: %w", err)
	}
	if len(payload) < saltSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	salt, payload := payload[:saltSize], payload[saltSize:]

	block, err := aes.NewCipher(deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := payload[:nonceSize], payload[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted checks if a string is encrypted
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix) && strings.HasSuffix(value, encryptedSuffix)
}

// EncryptConfigPasswords encrypts a plain store password in place
func EncryptConfigPasswords(config *models.Config) error {
	if config.Store.Password != "" && !IsEncrypted(config.Store.Password) && !IsKeyringRef(config.Store.Password) {
		encrypted, err := EncryptPassword(config.Store.Password)
		if err != nil {
			return fmt.Errorf("failed to encrypt store password: %w", err)
		}
		config.Store.Password = encrypted
	}
	return nil
}
