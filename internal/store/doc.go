// Package store persists enforcement records in SQLite.
//
// The schema is applied through embedded goose migrations and foreign keys
// are enforced on every connection. Status changes go through the transition
// tables in the enforcement package and are written as compare-and-set
// updates, so two processes acting on the same row cannot silently overwrite
// each other. Queue claims are conditional updates on the pending status.
//
// Multi-row changes run in a single transaction retried as a unit when
// SQLite reports the database as busy.
package store
