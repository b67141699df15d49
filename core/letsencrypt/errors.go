package letsencrypt

import "errors"

var (
	// ErrNoDomains is returned when an order is requested for an empty
	// domain list.
	ErrNoDomains = errors.New("letsencrypt: no domains given")

	// ErrInvalidDomain is returned when a requested identifier fails strict
	// FQDN validation.
	ErrInvalidDomain = errors.New("letsencrypt: invalid domain")

	// ErrKeyParse is returned when stored PEM key material cannot be parsed.
	ErrKeyParse = errors.New("letsencrypt: cannot parse private key")

	// ErrCABusy marks rate-limit and temporary-unavailability responses from
	// the CA. Operations failing with it are safe to retry later.
	ErrCABusy = errors.New("letsencrypt: certificate authority busy")

	// ErrNoDNSChallenge is returned when an authorization offers no dns-01
	// challenge.
	ErrNoDNSChallenge = errors.New("letsencrypt: authorization offers no dns-01 challenge")

	// ErrChainParse is returned when the downloaded chain does not consist
	// of two or three certificates.
	ErrChainParse = errors.New("letsencrypt: unexpected certificate chain shape")

	// ErrAccountExists is returned when registering an email that already
	// has an account at the CA.
	ErrAccountExists = errors.New("letsencrypt: account already exists")

	// ErrAccountNotValid is returned when the CA reports a freshly
	// registered account in a non-valid status.
	ErrAccountNotValid = errors.New("letsencrypt: registered account not valid")

	// ErrInvalidReason is returned for revocation reason codes outside the
	// supported set.
	ErrInvalidReason = errors.New("letsencrypt: unsupported revocation reason")
)
