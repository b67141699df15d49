package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	keyLength     = 32 // 256 bits
	separator     = ":"
)

// Vault derives per-record encryption keys from a process-wide master token.
// It is safe for concurrent use; key derivation is deliberately slow.
type Vault struct {
	master []byte
}

// New creates a Vault bound to the given master token.
func New(masterToken string) (*Vault, error) {
	if masterToken == "" {
		return nil, ErrMasterTokenRequired
	}
	return &Vault{master: []byte(masterToken)}, nil
}

// Encrypt seals plaintext under a key derived from recordSecret and the
// master token. The returned envelope is base64(iv):base64(ciphertext).
func (v *Vault) Encrypt(plaintext, recordSecret string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	if recordSecret == "" {
		return "", ErrEmptySecret
	}

	block, err := aes.NewCipher(v.deriveKey(recordSecret))
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + separator + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope produced by Encrypt. Any parse or cipher error
// fails the whole operation; partial plaintext is never returned.
func (v *Vault) Decrypt(envelope, recordSecret string) (string, error) {
	if recordSecret == "" {
		return "", ErrEmptySecret
	}

	parts := strings.SplitN(envelope, separator, 2)
	if len(parts) != 2 {
		return "", ErrInvalidEnvelope
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrInvalidEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(v.deriveKey(recordSecret))
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(unpadded), nil
}

func (v *Vault) deriveKey(recordSecret string) []byte {
	return pbkdf2.Key([]byte(recordSecret), v.master, kdfIterations, keyLength, sha256.New)
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad removes PKCS#7 padding, validating every padding byte.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrDecryptionFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryptionFailed
		}
	}
	return data[:len(data)-n], nil
}
