// Package store provides persistence for gateway tokens and the audit log.
//
// The production implementation is SQLiteStore (modernc.org/sqlite, WAL
// mode, automatic schema creation). MockStore is an in-memory drop-in for
// tests.
//
// Only token hashes are persisted. The plain gw_ token exists in memory at
// issuance time and on the agent's side of the wire, never in the database.
package store
