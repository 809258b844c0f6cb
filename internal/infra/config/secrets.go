package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SealedPrefix marks a config value encrypted with EncryptValue.
const SealedPrefix = "enc:"

const saltLen = 16

var errSealedFormat = errors.New("sealed value is malformed")

// EncryptValue seals plaintext under passphrase with AES-256-GCM. The key is
// derived with Argon2id; the result is SealedPrefix followed by
// base64(salt | nonce | ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	aead, err := sealer(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := append(salt, nonce...)
	blob = aead.Seal(blob, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// DecryptValue opens a value produced by EncryptValue. The prefix is optional.
func DecryptValue(sealed, passphrase string) (string, error) {
	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errSealedFormat, err)
	}
	if len(blob) < saltLen {
		return "", errSealedFormat
	}
	aead, err := sealer(passphrase, blob[:saltLen])
	if err != nil {
		return "", err
	}
	rest := blob[saltLen:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return "", errSealedFormat
	}
	plain, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("wrong passphrase or corrupted value: %w", err)
	}
	return string(plain), nil
}

func sealer(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// secretFields lists every config value that may hold a sealed secret.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{"embedding.api_key": &cfg.Embedding.APIKey}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		fields["llm.providers."+p.Name+".api_key"] = &p.APIKey
	}
	return fields
}

// openSecrets decrypts the sealed values of cfg in place.
func openSecrets(cfg *Config, passphrase string) error {
	for name, v := range secretFields(cfg) {
		if !strings.HasPrefix(*v, SealedPrefix) {
			continue
		}
		plain, err := DecryptValue(*v, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*v = plain
	}
	return nil
}
