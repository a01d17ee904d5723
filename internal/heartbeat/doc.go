// Package heartbeat decides when an agent connection is dead.
//
// Agents send a heartbeat on a fixed interval while READY; the gateway's
// read loop stamps each one on the connection. The Monitor sweeps the
// registry and evicts any connection whose silence exceeds the stale
// threshold (a small multiple of the heartbeat interval). No other component
// infers liveness on its own.
package heartbeat
