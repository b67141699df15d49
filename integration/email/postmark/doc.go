// Package postmark delivers the lifecycle notification emails through
// Postmark's transactional API: renewal outcomes, agents going offline and
// agent-reported errors.
//
// The client implements the Notifier interfaces consumed by the renewal
// engine and the fleet service. Bodies are plain text; certificate material
// never appears in a mail.
//
// Configuration comes from the environment via caarlos0/env:
//
//	POSTMARK_SERVER_TOKEN    (required)
//	POSTMARK_ACCOUNT_TOKEN   (required)
//	SENDER_EMAIL             (required)
//	POSTMARK_MESSAGE_STREAM  (default: outbound)
package postmark
