package renewal

import "errors"

var (
	// ErrRequestRunning is returned when a certificate already has an
	// in-flight request marker.
	ErrRequestRunning = errors.New("renewal: certificate request already running")

	// ErrAccountMissing is returned when a certificate references an ACME
	// account that no longer exists.
	ErrAccountMissing = errors.New("renewal: acme account not found")
)
