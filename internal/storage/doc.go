// Package storage is the SQL persistence layer. One DB value implements the
// letter, broadcast and notifier stores; JobStore backs the task engine.
//
// Two drivers are supported:
//   - "sqlite": a local database file (modernc.org/sqlite, no cgo)
//   - "postgres": a server reached through pgx
//
// Queries are written with "?" placeholders and rebound per driver. Times are
// stored as unix milliseconds in UTC. Schema changes are goose migrations
// embedded per dialect and applied by Open.
package storage
