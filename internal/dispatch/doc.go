// Package dispatch multiplexes query request/response exchanges over the
// single socket each agent holds.
//
// Every dispatched query gets a correlation id unique within its
// connection's session and a pending entry with a deadline. Exactly one of
// three paths resolves an entry: a matching query_response, the timeout
// sweep, or caller cancellation. Resolution removes the entry under the
// dispatcher's lock, so the losing side of any race finds nothing and backs
// off — a late response is discarded, never delivered to the wrong caller.
//
// Responses may arrive in any order relative to requests; correctness
// depends only on correlation-id matching.
package dispatch
