package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndOpen(t *testing.T) {
	sealed, err := EncryptValue("sk-abcdef123456", "test-passphrase-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))

	plain, err := DecryptValue(sealed, "test-passphrase-123")
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdef123456", plain)

	bare, err := DecryptValue(strings.TrimPrefix(sealed, SealedPrefix), "test-passphrase-123")
	require.NoError(t, err)
	assert.Equal(t, plain, bare, "the prefix is optional when opening")

	again, err := EncryptValue("sk-abcdef123456", "test-passphrase-123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal uses a fresh salt and nonce")
}

func TestOpenWithWrongPassphrase(t *testing.T) {
	sealed, err := EncryptValue("secret", "correct-pass")
	require.NoError(t, err)

	_, err = DecryptValue(sealed, "wrong-pass")
	assert.Error(t, err)
}

func TestOpenSecrets(t *testing.T) {
	const key = "test-config-key"
	llmKey, err := EncryptValue("sk-llm", key)
	require.NoError(t, err)
	embKey, err := EncryptValue("sk-emb", key)
	require.NoError(t, err)

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai", APIKey: llmKey},
		{Name: "plain", APIKey: "sk-plain"},
	}
	cfg.Embedding.APIKey = embKey

	require.NoError(t, openSecrets(cfg, key))
	assert.Equal(t, "sk-llm", cfg.LLM.Providers[0].APIKey)
	assert.Equal(t, "sk-plain", cfg.LLM.Providers[1].APIKey)
	assert.Equal(t, "sk-emb", cfg.Embedding.APIKey)
}

func TestOpenSecretsRejectsGarbage(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: SealedPrefix + "notvalid"}}

	assert.Error(t, openSecrets(cfg, "passphrase"))
}
