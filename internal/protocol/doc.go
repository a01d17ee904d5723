// Package protocol defines the frames that travel the tunnel between the
// gateway and its agents.
//
// Every frame is one JSON envelope: a type, a correlation id, and a raw
// payload decoded once the type is known. Query exchanges are paired by
// correlation id so responses may arrive in any order; heartbeats carry no
// id at all. The authentication exchange uses the fixed id "auth" since it
// occurs exactly once per socket, before anything else.
//
// The envelope is self-describing on purpose: either side must be able to
// reject a malformed or oversized frame without trusting the peer.
package protocol
