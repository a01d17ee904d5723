// Package registry tracks authenticated agent connections on the cloud side.
//
// At most one connection is READY per (tenant, database) pair at any
// instant. When a second agent authenticates for a pair that already has a
// live connection, the prior connection is forcibly closed and replaced —
// last writer wins; running duplicate agents is explicitly unsupported.
//
// The registry is the only shared mutable structure on the cloud side.
// Register and Evict for the same pair serialize on a per-key mutex, so the
// dispatcher and heartbeat monitor can never observe a half-replaced slot.
package registry
