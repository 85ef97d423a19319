// Package mcpd implements a JSON-RPC 2.0 method surface over a dual-channel
// transport: a long-lived Server-Sent-Events stream that announces the
// write-back endpoint and emits periodic heartbeats, paired with an HTTP POST
// channel carrying the actual JSON-RPC requests and notifications.
//
// The package provides the envelope codec, the method router, a supervisor
// for long-running streaming operations, the SSE transport, and a server
// facade wiring them together. Domain handlers live in the servers/
// subdirectories and attach to a server through its Router.
package mcpd
