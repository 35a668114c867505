// Package engine runs the synchronization of one business scope.
//
// An Engine owns the transport pool of its scope while active and funnels
// every local mutation and every inbound relay event through the local
// cache, which resolves concurrent writes with last-writer-wins. Callers
// observe resolved writes on change subscriptions.
package engine
