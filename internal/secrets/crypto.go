// Package secrets seals credentials (analyzer API keys) that live in the
// JSON config file, so the file can be shared without leaking them.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// SealedPrefix marks a config value produced by Seal.
	SealedPrefix = "enc:"

	// PasswordEnv names the environment variable holding the sealing password.
	PasswordEnv = "FLOWSYNC_SECRETS_PASSWORD"

	envelopeVersion = 1
	saltSize        = 16
	keySize         = 32
)

var (
	// ErrInvalidPassword is returned when the password cannot open a sealed value.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidEnvelope indicates a sealed value that is not well-formed.
	ErrInvalidEnvelope = errors.New("invalid sealed value")
	// ErrNoPassword is returned when a sealed value is found but no password is configured.
	ErrNoPassword = errors.New("sealed value requires " + PasswordEnv)
)

type envelope struct {
	Version    int    `json:"v"`
	Salt       []byte `json:"s"`
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"c"`
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts value with AES-256-GCM under a scrypt-derived key and returns
// a printable "enc:" string. Empty values stay empty.
func Seal(value, password string) (string, error) {
	if value == "" {
		return "", nil
	}
	if password == "" {
		return "", ErrNoPassword
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	raw, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, []byte(value), nil),
	})
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is so
// plain-text config entries keep working.
func Open(value, password string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if password == "" {
		return "", ErrNoPassword
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != envelopeVersion || len(env.Salt) != saltSize {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, env.Version)
	}

	gcm, err := newGCM(password, env.Salt)
	if err != nil {
		return "", err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("%w: nonce size", ErrInvalidEnvelope)
	}

	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", ErrInvalidPassword
	}
	return string(plain), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
