// Package vault provides password-based envelope encryption for long-lived
// secrets such as ACME account keys and certificate private keys.
//
// A per-operation AES-256 key is derived from a record-scoped secret (usually
// the owning record's id) combined with a process-wide master token via
// PBKDF2-SHA256 with 100,000 iterations. Each encryption uses a fresh random
// IV; the envelope is base64(iv) and base64(ciphertext) joined by a colon.
//
// Decryption fails closed: any parse, derivation, or cipher error yields an
// error and never partial plaintext.
//
// Usage:
//
//	v, err := vault.New(os.Getenv("ENCRYPTION_TOKEN"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	envelope, err := v.Encrypt(accountKeyPEM, account.ID)
//	if err != nil {
//		// Handle error
//	}
//
//	plaintext, err := v.Decrypt(envelope, account.ID)
//	if err != nil {
//		// Wrong secret, tampered envelope, or corrupt data
//	}
package vault
