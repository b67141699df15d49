package vault

import "errors"

var (
	// ErrMasterTokenRequired is returned when the vault is constructed without a master token.
	ErrMasterTokenRequired = errors.New("vault: master token is required")

	// ErrEmptyPlaintext is returned when encrypting an empty value.
	ErrEmptyPlaintext = errors.New("vault: plaintext is empty")

	// ErrEmptySecret is returned when no record secret is provided.
	ErrEmptySecret = errors.New("vault: record secret is empty")

	// ErrInvalidEnvelope is returned when the envelope cannot be parsed.
	ErrInvalidEnvelope = errors.New("vault: invalid envelope")

	// ErrDecryptionFailed is returned for any cipher-level decryption failure.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)
