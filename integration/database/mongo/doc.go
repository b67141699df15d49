// Package mongo provides MongoDB client initialization with retry logic and
// health checking.
//
// Connection setup retries a few times with a fixed interval so Atlas cold
// starts and brief network hiccups do not turn into startup failures.
// Configuration comes from the environment via caarlos0/env:
//
//	var cfg mongo.Config
//	if err := env.Parse(&cfg); err != nil {
//		log.Fatal(err)
//	}
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Environment variables:
//
//	MONGODB_URL                 (required)
//	MONGODB_DATABASE            (default: sslup)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
package mongo
