// Package grpcclient provides the gRPC client for the local tillsync daemon.
//
// The daemon owns the local cache and the relay connections of one business
// scope. Commands such as put, get and watch forward to it instead of opening
// the cache themselves.
//
// # Getting the Client
//
// Use [GetClient] to obtain the singleton client instance:
//
//	client, err := grpcclient.GetClient()
//	if err != nil {
//	    // Handle connection error
//	}
//	rec, err := client.Get(ctx, "products", "p1")
//
// # Server Discovery
//
// The client discovers the daemon address with the following priority:
//
//  1. TILLSYNC_DAEMON_ADDR environment variable
//  2. server.json in the application directory, with PID verification
//  3. daemon.port of tillsync.ini
//  4. Default fallback: localhost:50071
//
// # Health Checking
//
// [Dial] runs a health check against the sync service and fails with
// [ErrDaemonUnavailable] when the daemon does not answer.
package grpcclient
