package challenge

import "errors"

var (
	// ErrRecordNotFound is returned when a retract targets a record the
	// provider no longer has.
	ErrRecordNotFound = errors.New("challenge: record not found")

	// ErrUpstreamUnavailable is returned when the delegated DNS provider
	// rejects a request or cannot be reached.
	ErrUpstreamUnavailable = errors.New("challenge: dns provider unavailable")

	// ErrNoNameservers is returned when neither the domain nor its
	// registrable parent resolves to any authoritative nameserver.
	ErrNoNameservers = errors.New("challenge: no authoritative nameservers")

	// ErrPropagationTimeout is returned when the round budget elapses before
	// every nameserver served the expected record.
	ErrPropagationTimeout = errors.New("challenge: txt record did not propagate in time")
)
