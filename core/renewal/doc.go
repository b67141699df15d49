// Package renewal decides which certificates need renewal and runs the
// issuance orchestrator for each, isolating per-certificate failures. A
// certificate is due when it expires within the renewal window or when an
// OCSP lookup reports it revoked; OCSP errors only skip that check.
//
// The package also hosts the maintenance sweeps (stale request cleanup,
// audit-log retention, agent offline notifications) and the authenticated
// HTTP trigger for an out-of-schedule run.
package renewal
