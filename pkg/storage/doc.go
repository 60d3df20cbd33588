// Package storage holds the database plumbing shared by the repositories:
// driver registration, primary/replica connection management, dialect
// helpers and driver-independent error classification.
//
// Three database/sql drivers are supported:
//
//   - "postgres" (lib/pq)
//   - "pgx" (jackc/pgx stdlib adapter)
//   - "sqlite3" (mattn/go-sqlite3), used for tests and single-node setups
//
// Queries are written with $n placeholders, which all three accept.
//
// # Connections
//
//	cm, err := storage.NewConnectionManager(ctx, storage.ConnectionConfig{
//		Driver:      storage.DriverPGX,
//		PrimaryURL:  "postgres://authz@db/authz",
//		ReplicaURLs: []string{"postgres://authz@replica/authz"},
//		MaxConns:    20,
//	}, logger)
//
// Primary serves writes. Replica round-robins over the healthy replicas
// and falls back to the primary when none are configured.
//
// # Object storage
//
// ObjectStore reads whole objects (seed files) from S3 or any
// S3 compatible endpoint such as MinIO.
package storage
