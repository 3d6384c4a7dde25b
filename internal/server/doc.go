// Package server implements the HTTP and WebSocket surface of the GoChat hub.
//
// A Hub owns the presence registry, conversation store, relay dispatcher and
// call signaling relay. Each upgraded connection becomes a Client whose read
// pump decodes envelopes and dispatches them to those services, and whose
// write pump drains a bounded outbox to the socket. The remaining files cover
// configuration, origin checks, rate limiting, REST handlers and routing.
package server
