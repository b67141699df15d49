package letsencrypt

import (
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDirectoryURL points the orchestrator at a different ACME directory,
// e.g. the Let's Encrypt staging environment.
func WithDirectoryURL(url string) Option {
	return func(o *Orchestrator) { o.newClient = directoryClientFactory(url) }
}

// WithKeyType sets the key type for generated account and certificate keys.
func WithKeyType(keyType certcrypto.KeyType) Option {
	return func(o *Orchestrator) { o.keyType = keyType }
}

// WithPropagationGrace sets the fixed wait between publishing a challenge
// record and starting the authoritative poll.
func WithPropagationGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithLogger sets the logger for cleanup failures and chain warnings.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithReporter sets the callback receiving operator-facing progress
// messages during an order.
func WithReporter(report ReportFunc) Option {
	return func(o *Orchestrator) { o.report = report }
}
