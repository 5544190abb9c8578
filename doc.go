// Package juggler implements a symmetric, websocket-based,
// message-oriented protocol with request/response calls, fire-and-
// forget notifications and one-way replication of a JSON state
// document via RFC 6902 patches.
//
// Both peers can issue requests, answer them and send notifications.
// The state flows in one direction only: the authoritative side (the
// server, for connections served by this package) owns the JSON
// document and emits patches; the other side holds a replica that
// converges to the same value after every applied patch.
//
// # Server
//
// The Server struct defines a juggler server. In its simplest form,
// the following initializes a ready-to-use server:
//
//	server := &juggler.Server{
//	    Handler: juggler.HandlerFunc(handleRequest),
//	}
//
// Additional fields allow for more advanced configuration, such as
// read and write timeouts, keepalive and state flush cadence. See the
// Server documentation for all details.
//
// The ServeConn method serves a websocket connection using a
// configured Server. The Upgrade function creates an http.Handler
// that upgrades the connection to a websocket connection, and serves
// it using the provided Server.
//
// # State
//
// Each connection is bound to a state.Store. On the server, Server.State
// may be set to share a single store among every served connection;
// when left nil, each connection gets its own store. Mutations on the
// authoritative store are turned into patches and sent to the peer,
// either immediately or coalesced into a single patch per autoflush
// window.
//
// # Client
//
// The client package implements the replica side of the protocol,
// including a Peer type that maintains a connection against a list of
// server addresses with automatic reconnection.
package juggler
