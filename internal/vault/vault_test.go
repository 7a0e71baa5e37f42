package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	v, err := New("test-passphrase")
	require.NoError(t, err)
	return v
}

func TestVault_EncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt("s3cr3t-password")
	assert.NoError(t, err)
	assert.Contains(t, ciphertext, ":")
	assert.NotContains(t, ciphertext, "s3cr3t-password")

	plaintext, err := v.Decrypt(ciphertext)
	assert.NoError(t, err)
	assert.Equal(t, "s3cr3t-password", plaintext)
}

func TestVault_EncryptUsesFreshIV(t *testing.T) {
	v := newTestVault(t)

	first, err := v.Encrypt("same-password")
	assert.NoError(t, err)
	second, err := v.Encrypt("same-password")
	assert.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVault_DecryptLegacyPlaintextPassthrough(t *testing.T) {
	v := newTestVault(t)

	// Rows written before encryption at rest have no separator.
	plaintext, err := v.Decrypt("legacy-plain-password")
	assert.NoError(t, err)
	assert.Equal(t, "legacy-plain-password", plaintext)
}

func TestVault_DecryptMalformedFailsClosed(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt("password")
	require.NoError(t, err)

	cases := map[string]string{
		"bad iv hex":         "zz" + ciphertext[2:],
		"truncated iv":       "abcd:" + strings.SplitN(ciphertext, ":", 2)[1],
		"bad ciphertext hex": strings.SplitN(ciphertext, ":", 2)[0] + ":nothex!",
		"empty ciphertext":   strings.SplitN(ciphertext, ":", 2)[0] + ":",
		"unaligned":          strings.SplitN(ciphertext, ":", 2)[0] + ":abcdef",
	}
	for name, corrupted := range cases {
		plaintext, err := v.Decrypt(corrupted)
		assert.Error(t, err, name)
		assert.ErrorIs(t, err, ErrMalformedCiphertext, name)
		assert.Empty(t, plaintext, name)
	}
}

func TestVault_DecryptWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	other, err := New("a-different-passphrase")
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("password")
	require.NoError(t, err)

	plaintext, err := other.Decrypt(ciphertext)
	if err == nil {
		// CBC with a wrong key almost always breaks padding; on the rare
		// valid-padding decrypt the output still must not match.
		assert.NotEqual(t, "password", plaintext)
	}
}

func TestVault_RequiresPassphrase(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
