// Package shvrpc defines the boundary between the gateway and an SHV RPC
// backend.
//
// The gateway never speaks SHV wire framing itself. Instead it asks a
// Dialer for a connection on behalf of a logged-in user and drives that
// connection through the Client interface: request/response method calls,
// signal subscriptions and termination. Connection lifecycle is reported
// asynchronously on a ConnectionEvent channel which the provider closes once
// the connection is gone for good.
//
// RPC values cross the boundary in their canonical JSON text form (Value),
// and subscription filters are expressed as resource identifiers (RI) of the
// form
//
//	path:method:signal
//
// where every part is a glob pattern.
//
// Two providers ship with the module:
//
//	memorybroker  in-process broker for tests and local development
//	redisbroker   relays calls and signals to devices through Redis
//
// The shvrpctest package holds a conformance suite every provider is
// expected to pass.
package shvrpc
