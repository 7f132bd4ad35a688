// Package timeouts defines shared timeout constants used across the
// proctoring process so transport and collaborator boundaries agree.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the identity service.
const GRPCDial = 2 * time.Second

// IdentityCall caps a single face detection, authentication, or distance call.
// Face models are slow, so this is deliberately longer than a plain RPC.
const IdentityCall = 15 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Heartbeat is how long a connection may stay silent before the server pings
// it with a heartbeat frame.
const Heartbeat = 30 * time.Second

// SocketWrite bounds one outbound websocket frame write.
const SocketWrite = 5 * time.Second
