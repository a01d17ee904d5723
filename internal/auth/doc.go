// Package auth handles the two credential kinds the gateway deals with.
//
// Gateway tokens (gw_ prefix) authenticate agent tunnel connections. They
// are opaque 256-bit secrets bound to exactly one (tenant, database) pair;
// the store keeps only their SHA-256 hash, and revoked or expired tokens
// never authenticate.
//
// JWTs (HS256) authenticate callers of the cloud-side query API. They never
// cross the tunnel.
package auth
