package fleet

import "errors"

var (
	// ErrAuthFailed is returned when an agent's credentials do not match.
	ErrAuthFailed = errors.New("fleet: authentication failed")

	// ErrAgentOffline is returned when a push targets an agent with no
	// live session.
	ErrAgentOffline = errors.New("fleet: agent is offline")

	// ErrRegistered is returned when an already-registered agent attempts
	// to register again.
	ErrRegistered = errors.New("fleet: agent is already registered")

	// ErrInvalidIP is returned when an address in an allow-list does not
	// parse as an IP.
	ErrInvalidIP = errors.New("fleet: invalid ip address")

	// ErrInvalidName is returned when an agent name is outside the 3-32
	// character range.
	ErrInvalidName = errors.New("fleet: agent name must be 3 to 32 characters")

	// ErrCertificateMissing is returned when an agent's configuration
	// references a certificate that no longer exists.
	ErrCertificateMissing = errors.New("fleet: configured certificate does not exist")

	// ErrEmailTaken is returned when an ACME account already exists for
	// the given address.
	ErrEmailTaken = errors.New("fleet: an account with this email already exists")
)
