// Package agent implements the on-premises side of the tunnel.
//
// # Connection Manager
//
// The Manager owns the single outbound socket and its state machine:
//
//	DISCONNECTED → CONNECTING → AUTHENTICATING → READY → (STALE | DISCONNECTED) → CLOSED
//
// It authenticates with the opaque gateway token, heartbeats on a fixed
// interval while READY, and reconnects forever with exponential backoff
// (1s doubling to a 30s ceiling, reset after each successful READY).
//
// # Query Executor
//
// The Executor receives query_request frames routed by the Manager and runs
// them against the local database/sql handle. Exactly one statement per
// request; row limits truncate, timeouts abort via context, and every
// failure travels back as a structured query_response error rather than a
// transport fault.
//
// The local DSN and credentials stay in this process. Only the gateway
// token, query text, parameters, and results ever cross the wire.
package agent
