// Package letsencrypt drives ACME certificate orders end to end: order
// creation, concurrent DNS-01 challenge handling with paired record cleanup,
// finalization and chain download. It also covers account registration and
// certificate revocation.
//
// The CA client sits behind an interface so the full order state machine is
// testable without a live directory. CA rate-limit and
// temporary-unavailability responses are classified once at that boundary
// into ErrCABusy, letting callers schedule a retry instead of reporting a
// hard failure.
package letsencrypt
