package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
)

// kdfSalt is fixed so the same passphrase always derives the same key.
// Rotating the passphrase requires re-encrypting every stored credential.
const kdfSalt = "tenant-credential-vault"

var ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")

// Vault encrypts and decrypts per-tenant database passwords at rest.
// Values are stored as hex(iv):hex(ciphertext), AES-256-CBC, keyed by a
// scrypt-derived key from the configured passphrase.
type Vault struct {
	key []byte
}

func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase is required")
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(kdfSalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt returns hex(iv):hex(ciphertext) with a fresh random IV per call.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A value with no ":" separator is returned
// unchanged: some rows predate encryption at rest. That path is read-only
// compatibility; nothing writes unencrypted values anymore.
func (v *Vault) Decrypt(value string) (string, error) {
	sep := strings.IndexByte(value, ':')
	if sep < 0 {
		log.Warn().Msg("credential stored unencrypted, returning as-is; rotate this tenant's password")
		return value, nil
	}

	iv, err := hex.DecodeString(value[:sep])
	if err != nil {
		return "", fmt.Errorf("%w: bad iv encoding", ErrMalformedCiphertext)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrMalformedCiphertext, aes.BlockSize)
	}
	ciphertext, err := hex.DecodeString(value[sep+1:])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedCiphertext)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not block aligned", ErrMalformedCiphertext)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padded length", ErrMalformedCiphertext)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
