// Package redis provides Redis client initialization with retry logic and
// health checking. The fleet layer uses it for the cross-worker broadcast
// relay.
//
// Connect validates the connection URL, retries transient failures and
// verifies connectivity with a ping before returning the client. Both
// redis:// and rediss:// (TLS) schemes are supported.
//
// Configuration comes from the environment via caarlos0/env:
//
//	REDIS_URL             (default: redis://localhost:6379/0)
//	REDIS_RETRY_ATTEMPTS  (default: 3)
//	REDIS_RETRY_INTERVAL  (default: 5s)
//	REDIS_CONNECT_TIMEOUT (default: 30s)
package redis
