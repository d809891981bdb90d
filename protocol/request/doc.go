// Package request implements the request/response side of the mKTL
// client/server API: a DEALER client that correlates asynchronous ACK and
// REP responses with in-flight requests by identifier, and a ROUTER server
// that acknowledges every inbound request before dispatching it to a
// handler on a worker pool.
//
// The protocol does not order responses relative to requests; the client
// correlator is the only source of causality. A request is acknowledged
// within the ACK timeout or fails locally with a TimeoutError; once the
// ACK has arrived the caller decides how long to wait for the REP.
package request
