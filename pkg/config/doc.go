// Package config loads service configuration from AUTHZ_* environment
// variables with envconfig.
//
// Every setting has a default except the database URL and the JWT secret.
//
//	AUTHZ_SERVER_PORT=8080
//	AUTHZ_SERVER_HEALTH_PORT=9090
//	AUTHZ_DB_DRIVER=pgx                     # postgres, pgx, sqlite3
//	AUTHZ_DB_URL=postgres://authz@db/authz
//	AUTHZ_DB_REPLICA_URLS=postgres://r1/authz,postgres://r2/authz
//	AUTHZ_CACHE_BACKEND=redis               # memory, redis
//	AUTHZ_CACHE_REDIS_URL=redis://cache:6379/0
//	AUTHZ_CACHE_TTL=30m
//	AUTHZ_RBAC_INVALIDATION_MODE=rank       # rank, full
//	AUTHZ_RBAC_SEED_FILE=s3://authz-seeds/default.yaml
//	AUTHZ_AUTH_JWT_SECRET=...
//	AUTHZ_RATELIMIT_BACKEND=redis
//	AUTHZ_S3_ENDPOINT=http://minio:9000
//	AUTHZ_OBS_LOG_LEVEL=info
//	AUTHZ_OBS_OTEL_ENABLED=true
//
// LoadConfig validates everything the server needs. Load only parses, for
// commands such as migrate that need a subset; they validate the sections
// they use.
package config
