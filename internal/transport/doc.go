// Package transport maintains connections to a set of relays and exposes
// them as one publish/subscribe surface.
//
// Each endpoint runs in its own goroutine that dials, reads frames and
// reconnects with exponential backoff. After a configurable number of
// consecutive failures an endpoint is reported unhealthy, but it is never
// dropped: the pool keeps retrying until the endpoint is removed
// explicitly.
//
// Inbound events are verified (id and signature) before they are handed
// out, and deduplicated by id within a bounded, expiring window so that
// the same event arriving from several relays is delivered once.
package transport
