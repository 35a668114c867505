// Package relay implements the Nostr relay wire protocol (NIP-01) used as
// the transport for tillsync.
//
// It provides the signed Event type, subscription filters, frame encoding
// and parsing, a gorilla/websocket client connection and a small
// in-memory relay server built on gws. The server is used by
// `tillsync relay serve` on shop-local networks and by integration tests.
package relay
