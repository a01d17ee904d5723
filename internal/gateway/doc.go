// Package gateway assembles the cloud side of the tunnel.
//
// Agents dial the websocket at /api/gateway/ws and must authenticate with a
// gateway token as their first frame. Each accepted connection gets its own
// read loop goroutine, so one tenant's tunnel never blocks another's.
//
// The application layer reaches the tunnel through POST /api/v1/query
// (bearer JWT), which forwards into the dispatcher and translates the error
// taxonomy — offline, timeout, capacity, execution — into distinguishable
// HTTP responses.
package gateway
